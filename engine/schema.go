/*
schema.go - Attribute names and typed decoding

PURPOSE:
  The shared table is owned by the upstream app, so attribute names are
  configuration, not code. DefaultSchema matches the production table.

DECODING RULES:
  Injection:
    - PK, SK: required strings
    - timestamp: string; missing or NULL is allowed here (the planner
      reports it as unresolved), any other tag is a DecodeError
    - doseMg: number; missing or NULL means zero, any other tag is an error
    - vialId: string or NULL/missing (unassigned); anything else is an error
  Vial:
    - vial id: string attribute, falls back to SK
    - status: string; unknown values pass through as-is
    - dates: string or NULL/missing; a present date must be YYYY-MM-DD
      (longer timestamps are truncated to their date)
*/
package engine

import "fmt"

// Schema names the attributes the engine reads and writes.
type Schema struct {
	PartitionKey    string `mapstructure:"partition_key" json:"partition_key"`
	SortKey         string `mapstructure:"sort_key" json:"sort_key"`
	KindAttr        string `mapstructure:"kind" json:"kind"`
	VialID          string `mapstructure:"vial_id" json:"vial_id"`
	Timestamp       string `mapstructure:"timestamp" json:"timestamp"`
	Dose            string `mapstructure:"dose" json:"dose"`
	UpdatedAt       string `mapstructure:"updated_at" json:"updated_at"`
	Status          string `mapstructure:"status" json:"status"`
	ReconstitutedOn string `mapstructure:"reconstituted_on" json:"reconstituted_on"`
	OrderedOn       string `mapstructure:"ordered_on" json:"ordered_on"`
	ExpiresOn       string `mapstructure:"expires_on" json:"expires_on"`
}

// DefaultSchema returns the attribute names used by the production table.
func DefaultSchema() Schema {
	return Schema{
		PartitionKey:    "PK",
		SortKey:         "SK",
		KindAttr:        "entityType",
		VialID:          "vialId",
		Timestamp:       "timestamp",
		Dose:            "doseMg",
		UpdatedAt:       "updatedAt",
		Status:          "status",
		ReconstitutedOn: "reconstitutionDate",
		OrderedOn:       "orderDate",
		ExpiresOn:       "expiresAt",
	}
}

// WithDefaults fills empty names from DefaultSchema.
func (s Schema) WithDefaults() Schema {
	d := DefaultSchema()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&s.PartitionKey, d.PartitionKey)
	fill(&s.SortKey, d.SortKey)
	fill(&s.KindAttr, d.KindAttr)
	fill(&s.VialID, d.VialID)
	fill(&s.Timestamp, d.Timestamp)
	fill(&s.Dose, d.Dose)
	fill(&s.UpdatedAt, d.UpdatedAt)
	fill(&s.Status, d.Status)
	fill(&s.ReconstitutedOn, d.ReconstitutedOn)
	fill(&s.OrderedOn, d.OrderedOn)
	fill(&s.ExpiresOn, d.ExpiresOn)
	return s
}

// KeyOf extracts the composite key. Missing or non-string keys are errors.
func (s Schema) KeyOf(kind Kind, it Item) (Key, error) {
	pk, ok := it[s.PartitionKey]
	if !ok || pk.Kind != AttrString || pk.S == "" {
		return Key{}, &DecodeError{Kind: kind, Attribute: s.PartitionKey, Reason: "missing string partition key"}
	}
	sk, ok := it[s.SortKey]
	if !ok || sk.Kind != AttrString || sk.S == "" {
		return Key{PK: pk.S}, &DecodeError{Kind: kind, Key: Key{PK: pk.S}, Attribute: s.SortKey, Reason: "missing string sort key"}
	}
	return Key{PK: pk.S, SK: sk.S}, nil
}

// KindOf returns the item's kind attribute, or "" if absent.
func (s Schema) KindOf(it Item) Kind {
	if a, ok := it[s.KindAttr]; ok && a.Kind == AttrString {
		return Kind(a.S)
	}
	return ""
}

// DecodeInjection converts a raw item into an Injection.
func (s Schema) DecodeInjection(it Item) (Injection, error) {
	key, err := s.KeyOf(KindInjection, it)
	if err != nil {
		return Injection{}, err
	}
	inj := Injection{Key: key}
	fail := func(attr, reason string) (Injection, error) {
		return Injection{Key: key}, &DecodeError{Kind: KindInjection, Key: key, Attribute: attr, Reason: reason}
	}

	if a, ok := it[s.Timestamp]; ok {
		switch a.Kind {
		case AttrString:
			inj.Timestamp = a.S
		case AttrNull:
		default:
			return fail(s.Timestamp, fmt.Sprintf("expected S or NULL, got %s", a.Kind))
		}
	}

	if a, ok := it[s.Dose]; ok {
		switch a.Kind {
		case AttrNumber:
			d, err := a.Decimal()
			if err != nil {
				return fail(s.Dose, err.Error())
			}
			inj.Dose = d
		case AttrNull:
		default:
			return fail(s.Dose, fmt.Sprintf("expected N or NULL, got %s", a.Kind))
		}
	}

	if a, ok := it[s.VialID]; ok {
		switch a.Kind {
		case AttrString:
			if a.S != "" {
				inj.VialID = VialID(a.S).Ptr()
			}
		case AttrNull:
		default:
			return fail(s.VialID, fmt.Sprintf("expected S or NULL, got %s", a.Kind))
		}
	}

	return inj, nil
}

// DecodeVial converts a raw item into a Vial.
func (s Schema) DecodeVial(it Item) (Vial, error) {
	key, err := s.KeyOf(KindVial, it)
	if err != nil {
		return Vial{}, err
	}
	v := Vial{Key: key, ID: VialID(key.SK)}
	fail := func(attr, reason string) (Vial, error) {
		return Vial{Key: key}, &DecodeError{Kind: KindVial, Key: key, Attribute: attr, Reason: reason}
	}

	if a, ok := it[s.VialID]; ok {
		switch a.Kind {
		case AttrString:
			if a.S != "" {
				v.ID = VialID(a.S)
			}
		case AttrNull:
		default:
			return fail(s.VialID, fmt.Sprintf("expected S, got %s", a.Kind))
		}
	}

	if a, ok := it[s.Status]; ok && !a.IsNull() {
		if a.Kind != AttrString {
			return fail(s.Status, fmt.Sprintf("expected S, got %s", a.Kind))
		}
		v.Status = VialStatus(a.S)
	}

	dates := []struct {
		attr string
		dst  *string
	}{
		{s.ReconstitutedOn, &v.ReconstitutedOn},
		{s.OrderedOn, &v.OrderedOn},
		{s.ExpiresOn, &v.ExpiresOn},
	}
	for _, d := range dates {
		a, ok := it[d.attr]
		if !ok || a.IsNull() {
			continue
		}
		if a.Kind != AttrString {
			return fail(d.attr, fmt.Sprintf("expected S, got %s", a.Kind))
		}
		if a.S == "" {
			continue
		}
		date := DateOf(a.S)
		if date == "" {
			return fail(d.attr, fmt.Sprintf("%q is not a YYYY-MM-DD date", a.S))
		}
		*d.dst = date
	}

	return v, nil
}

// EncodeInjection renders an injection as a raw item. Used by scenarios and tests.
func (s Schema) EncodeInjection(inj Injection) Item {
	it := Item{
		s.PartitionKey: String(inj.Key.PK),
		s.SortKey:      String(inj.Key.SK),
		s.KindAttr:     String(string(KindInjection)),
		s.Dose:         Number(inj.Dose),
	}
	if inj.Timestamp != "" {
		it[s.Timestamp] = String(inj.Timestamp)
	}
	if inj.VialID != nil {
		it[s.VialID] = String(string(*inj.VialID))
	} else {
		it[s.VialID] = Null()
	}
	return it
}

// EncodeVial renders a vial as a raw item.
func (s Schema) EncodeVial(v Vial) Item {
	it := Item{
		s.PartitionKey: String(v.Key.PK),
		s.SortKey:      String(v.Key.SK),
		s.KindAttr:     String(string(KindVial)),
		s.VialID:       String(string(v.ID)),
		s.Status:       String(string(v.Status)),
	}
	for attr, val := range map[string]string{
		s.ReconstitutedOn: v.ReconstitutedOn,
		s.OrderedOn:       v.OrderedOn,
		s.ExpiresOn:       v.ExpiresOn,
	} {
		if val != "" {
			it[attr] = String(val)
		}
	}
	return it
}
