package workflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type orderPlaced struct {
	OrderID string `json:"order_id"`
	Amount  int    `json:"amount"`
}

type renamedType struct {
	Name string `json:"name"`
}

func TestTypeIDs(t *testing.T) {
	assert.Equal(t, TypeID("string"), TypeOf[string]())
	assert.Equal(t, TypeID("github.com/dshills/stepflow/workflow.orderPlaced"), TypeOf[orderPlaced]())
	assert.Equal(t, TypeOf[orderPlaced](), TypeOfValue(orderPlaced{}))
	assert.Equal(t, TypeID("[]int"), TypeOf[[]int]())
	assert.Equal(t, TypeID(""), TypeOfValue(nil))

	id := RegisterType[renamedType]("acme.Renamed")
	assert.Equal(t, TypeID("acme.Renamed"), id)
	assert.Equal(t, id, TypeOfValue(renamedType{}))
}

func TestPortableValues(t *testing.T) {
	t.Run("round trip through portable form", func(t *testing.T) {
		pv, err := ToPortable(orderPlaced{OrderID: "o-1", Amount: 3})
		require.NoError(t, err)
		assert.Equal(t, TypeOf[orderPlaced](), pv.Type)
		assert.Equal(t, pv.Type, TypeOfValue(pv))

		got, err := As[orderPlaced](pv)
		require.NoError(t, err)
		assert.Equal(t, orderPlaced{OrderID: "o-1", Amount: 3}, got)
	})

	t.Run("portable value passes through", func(t *testing.T) {
		pv := PortableValue{Type: "x", Data: json.RawMessage(`1`)}
		again, err := ToPortable(&pv)
		require.NoError(t, err)
		assert.Equal(t, pv, again)
	})

	t.Run("as returns typed values directly", func(t *testing.T) {
		got, err := As[int](42)
		require.NoError(t, err)
		assert.Equal(t, 42, got)
	})

	t.Run("as rejects foreign types", func(t *testing.T) {
		_, err := As[int]("nope")
		assert.Error(t, err)
	})

	t.Run("as reports decode errors", func(t *testing.T) {
		_, err := As[int](PortableValue{Type: "int", Data: json.RawMessage(`"text"`)})
		assert.ErrorContains(t, err, "decode int")
	})

	t.Run("unencodable values fail", func(t *testing.T) {
		_, err := ToPortable(make(chan int))
		assert.Error(t, err)
	})
}

func TestPortableEnvelopeKeepsDeclaredType(t *testing.T) {
	env := Envelope{Payload: "text", Type: "custom.Type", SourceID: "a", TargetID: "b"}
	pe, err := toPortableEnvelope(env)
	require.NoError(t, err)

	back := pe.Envelope()
	assert.Equal(t, TypeID("custom.Type"), back.Type)
	assert.Equal(t, "a", back.SourceID)
	assert.Equal(t, "b", back.TargetID)
	s, err := As[string](back.Payload)
	require.NoError(t, err)
	assert.Equal(t, "text", s)
}
