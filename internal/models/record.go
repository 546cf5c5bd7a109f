package models

import (
	"encoding/json"
	"fmt"
)

// EntityType is the discriminant of a stored record.
type EntityType string

const (
	EntityBasket     EntityType = "BASKET"
	EntityStrategy   EntityType = "STRATEGY"
	EntityAllocation EntityType = "ALLOCATION"
	EntityOrder      EntityType = "ORDER"
	EntityPosition   EntityType = "POSITION"
)

// Record is the closed set of entity variants that share the catalog table.
type Record interface {
	EntityType() EntityType
	RecordID() string
	record()
}

func (*Basket) EntityType() EntityType     { return EntityBasket }
func (*Strategy) EntityType() EntityType   { return EntityStrategy }
func (*Allocation) EntityType() EntityType { return EntityAllocation }
func (*Order) EntityType() EntityType      { return EntityOrder }
func (*Position) EntityType() EntityType   { return EntityPosition }

func (b *Basket) RecordID() string     { return b.ID }
func (s *Strategy) RecordID() string   { return s.ID }
func (a *Allocation) RecordID() string { return a.ID }
func (o *Order) RecordID() string      { return o.ID }
func (p *Position) RecordID() string   { return p.ID }

func (*Basket) record()     {}
func (*Strategy) record()   {}
func (*Allocation) record() {}
func (*Order) record()      {}
func (*Position) record()   {}

// DecodeRecord decodes body into the variant named by entityType.
func DecodeRecord(entityType EntityType, body []byte) (Record, error) {
	var rec Record
	switch entityType {
	case EntityBasket:
		rec = &Basket{}
	case EntityStrategy:
		rec = &Strategy{}
	case EntityAllocation:
		rec = &Allocation{}
	case EntityOrder:
		rec = &Order{}
	case EntityPosition:
		rec = &Position{}
	default:
		return nil, fmt.Errorf("unknown entity type %q", entityType)
	}
	if err := json.Unmarshal(body, rec); err != nil {
		return nil, fmt.Errorf("failed to decode %s record: %w", entityType, err)
	}
	return rec, nil
}

// EncodeRecord returns the discriminant and JSON body of rec.
func EncodeRecord(rec Record) (EntityType, []byte, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode %s record: %w", rec.EntityType(), err)
	}
	return rec.EntityType(), body, nil
}
