package engine_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/vialfix/engine"
)

func TestAttribute_JSONCodec(t *testing.T) {
	// GIVEN: An export with every tag the table uses, plus a map
	// WHEN: Decoding and encoding again
	// THEN: Known tags are typed and the map survives as an opaque value

	data := []byte(`{"Items":[{
		"PK":{"S":"USER#demo"},
		"SK":{"S":"INJECTION#2025-09-13T08:00:00"},
		"entityType":{"S":"INJECTION"},
		"doseMg":{"N":"5"},
		"vialId":{"NULL":true},
		"synced":{"BOOL":false},
		"meta":{"M":{"site":{"S":"abdomen"}}}
	}]}`)

	items, err := engine.DecodeItems(data)
	require.NoError(t, err)
	require.Len(t, items, 1)
	it := items[0]

	assert.Equal(t, engine.String("USER#demo"), it["PK"])
	assert.Equal(t, engine.AttrNumber, it["doseMg"].Kind)
	assert.True(t, it["vialId"].IsNull())
	assert.Equal(t, engine.Bool(false), it["synced"])
	assert.Equal(t, engine.AttrOpaque, it["meta"].Kind)
	assert.Equal(t, "M", it["meta"].Tag)

	out, err := engine.EncodeItems(items)
	require.NoError(t, err)
	again, err := engine.DecodeItems(out)
	require.NoError(t, err)
	assert.Equal(t, items, again)
}

func TestAttribute_UnquotedNumber(t *testing.T) {
	items, err := engine.DecodeItems([]byte(`[{"doseMg":{"N":7.5}}]`))
	require.NoError(t, err)

	d, err := items[0]["doseMg"].Decimal()
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("7.5").Equal(d))
}

func TestAttribute_RejectsUntagged(t *testing.T) {
	_, err := engine.DecodeItems([]byte(`[{"doseMg":"5"}]`))
	assert.Error(t, err)

	_, err = engine.DecodeItems([]byte(`[{"doseMg":{"N":"5","S":"5"}}]`))
	assert.Error(t, err)
}

func TestSchema_DecodeInjection(t *testing.T) {
	schema := engine.DefaultSchema()
	base := func() engine.Item {
		return engine.Item{
			"PK":         engine.String("USER#demo"),
			"SK":         engine.String("INJECTION#1"),
			"entityType": engine.String("INJECTION"),
			"timestamp":  engine.String("2025-09-13T08:00:00"),
			"doseMg":     engine.Number(decimal.RequireFromString("2.5")),
			"vialId":     engine.String("vial_b"),
		}
	}

	t.Run("valid", func(t *testing.T) {
		inj, err := schema.DecodeInjection(base())
		require.NoError(t, err)
		assert.Equal(t, "2025-09-13", inj.Date())
		assert.Equal(t, "vial_b", inj.CurrentVial())
		assert.Equal(t, "2.5", inj.Dose.String())
	})

	t.Run("missing association is unassigned", func(t *testing.T) {
		it := base()
		delete(it, "vialId")
		inj, err := schema.DecodeInjection(it)
		require.NoError(t, err)
		assert.Nil(t, inj.VialID)
		assert.Equal(t, "NULL", inj.CurrentVial())
	})

	t.Run("missing dose is zero", func(t *testing.T) {
		it := base()
		delete(it, "doseMg")
		inj, err := schema.DecodeInjection(it)
		require.NoError(t, err)
		assert.True(t, inj.Dose.IsZero())
	})

	t.Run("numeric association", func(t *testing.T) {
		it := base()
		it["vialId"] = engine.Number(decimal.NewFromInt(3))
		_, err := schema.DecodeInjection(it)
		var de *engine.DecodeError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, "vialId", de.Attribute)
		assert.Equal(t, "INJECTION#1", de.Key.SK)
	})

	t.Run("missing sort key", func(t *testing.T) {
		it := base()
		delete(it, "SK")
		_, err := schema.DecodeInjection(it)
		assert.ErrorIs(t, err, engine.ErrDecode)
	})
}

func TestSchema_DecodeVial(t *testing.T) {
	schema := engine.DefaultSchema()
	it := engine.Item{
		"PK":                 engine.String("USER#demo"),
		"SK":                 engine.String("VIAL#vial_b"),
		"entityType":         engine.String("VIAL"),
		"vialId":             engine.String("vial_b"),
		"status":             engine.String("active"),
		"reconstitutionDate": engine.String("2025-09-13T07:45:00Z"),
		"orderDate":          engine.String("2024-08-05"),
	}

	v, err := schema.DecodeVial(it)
	require.NoError(t, err)
	assert.Equal(t, engine.VialID("vial_b"), v.ID)
	assert.Equal(t, "2025-09-13", v.StartDate())
	w, ok := v.Window()
	require.True(t, ok)
	assert.Equal(t, "[2025-09-13, +inf)", w.String())

	delete(it, "vialId")
	v, err = schema.DecodeVial(it)
	require.NoError(t, err)
	assert.Equal(t, engine.VialID("VIAL#vial_b"), v.ID)
}

func TestSchema_CustomNames(t *testing.T) {
	// GIVEN: A table whose association attribute is named differently
	// WHEN: Encoding and decoding with a partial schema
	// THEN: Unset names fall back to the defaults

	schema := engine.Schema{VialID: "vial"}.WithDefaults()
	assert.Equal(t, "PK", schema.PartitionKey)

	id := engine.VialID("vial_a")
	it := schema.EncodeInjection(engine.Injection{
		Key:       engine.Key{PK: "U", SK: "I"},
		Timestamp: "2025-01-01T00:00:00",
		Dose:      decimal.NewFromInt(1),
		VialID:    &id,
	})
	assert.Contains(t, it, "vial")
	assert.NotContains(t, it, "vialId")

	inj, err := schema.DecodeInjection(it)
	require.NoError(t, err)
	assert.Equal(t, "vial_a", inj.CurrentVial())
}
