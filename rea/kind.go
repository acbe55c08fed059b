package rea

import (
	"encoding/json"
	"fmt"
)

// EventKind is the closed set of event kinds the engine interprets.
// Every switch over EventKind must be exhaustive.
type EventKind int

const (
	KindUnknown EventKind = iota
	KindProduce
	KindConsume
	KindToBeChanged
	KindUse
	KindCite
	KindWork
	KindResourceContribution
	KindReceive
	KindGive
	KindPayment
	KindDistribution
	KindDisbursement
)

var kindNames = map[EventKind]string{
	KindProduce:              "produce",
	KindConsume:              "consume",
	KindToBeChanged:          "to-be-changed",
	KindUse:                  "use",
	KindCite:                 "cite",
	KindWork:                 "work",
	KindResourceContribution: "resource",
	KindReceive:              "receive",
	KindGive:                 "give",
	KindPayment:              "payment",
	KindDistribution:         "distribution",
	KindDisbursement:         "disbursement",
}

// AllKinds lists every valid kind in declaration order.
func AllKinds() []EventKind {
	return []EventKind{
		KindProduce, KindConsume, KindToBeChanged, KindUse, KindCite, KindWork,
		KindResourceContribution, KindReceive, KindGive, KindPayment,
		KindDistribution, KindDisbursement,
	}
}

func (k EventKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

func (k EventKind) Valid() bool {
	_, ok := kindNames[k]
	return ok
}

// ParseEventKind maps the string form back to a kind.
func ParseEventKind(s string) (EventKind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return KindUnknown, fmt.Errorf("%w: unknown event kind %q", ErrInvalidInput, s)
}

// IsProcessInput reports whether events of this kind feed a process.
func (k EventKind) IsProcessInput() bool {
	switch k {
	case KindWork, KindUse, KindConsume, KindToBeChanged, KindCite:
		return true
	case KindUnknown, KindProduce, KindResourceContribution, KindReceive, KindGive,
		KindPayment, KindDistribution, KindDisbursement:
		return false
	}
	return false
}

func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *EventKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseEventKind(s)
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
