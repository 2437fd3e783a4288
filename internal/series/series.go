// Package series maps meters and metric kinds to stable statistic ids and
// their store metadata.
package series

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// Source is the statistics source prefix shared by every series.
	Source = "dropcountr"

	UnitGallons = "gal"
	UnitUSD     = "USD"
)

type Kind string

const (
	KindTotalUsage       Kind = "total_usage"
	KindIrrigationUsage  Kind = "irrigation_usage"
	KindIrrigationEvents Kind = "irrigation_events"
	KindTotalCost        Kind = "total_cost"
)

// Kinds lists every metric kind in reconciliation order.
var Kinds = []Kind{
	KindTotalUsage,
	KindIrrigationUsage,
	KindIrrigationEvents,
	KindTotalCost,
}

type Metadata struct {
	StatisticID string
	Source      string
	Name        string
	Unit        string
	HasSum      bool
	IsCurrency  bool
	// Attributes are descriptive labels stored next to the series.
	Attributes map[string]string
}

type kindInfo struct {
	suffix     string
	label      string
	unit       string
	isCurrency bool
}

var kinds = map[Kind]kindInfo{
	KindTotalUsage:       {suffix: "total_gallons", label: "Total Water Usage", unit: UnitGallons},
	KindIrrigationUsage:  {suffix: "irrigation_gallons", label: "Irrigation Water Usage", unit: UnitGallons},
	KindIrrigationEvents: {suffix: "irrigation_events", label: "Irrigation Events"},
	KindTotalCost:        {suffix: "total_cost", label: "Water Cost", unit: UnitUSD, isCurrency: true},
}

func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

func (k Kind) String() string { return string(k) }

// ID returns the statistic id for meterID and kind. The id only depends on
// its inputs so it survives restarts, and distinct meter ids never share one.
func ID(meterID string, kind Kind) (string, error) {
	info, ok := kinds[kind]
	if !ok {
		return "", fmt.Errorf("unknown metric kind %q", kind)
	}
	key := escapeMeterID(strings.TrimSpace(meterID))
	if key == "" {
		return "", fmt.Errorf("meter id %q is empty", meterID)
	}
	return fmt.Sprintf("%s:%s_%s_%s", Source, Source, key, info.suffix), nil
}

// MetadataFor returns the store metadata for a series of kind on meterID.
func MetadataFor(meterID, meterName string, kind Kind) (Metadata, error) {
	id, err := ID(meterID, kind)
	if err != nil {
		return Metadata{}, err
	}
	info := kinds[kind]
	name := strings.TrimSpace(meterName)
	if name == "" {
		name = meterID
	}
	return Metadata{
		StatisticID: id,
		Source:      Source,
		Name:        fmt.Sprintf("DropCountr %s %s", name, info.label),
		Unit:        info.unit,
		HasSum:      true,
		IsCurrency:  info.isCurrency,
		Attributes: map[string]string{
			"meter_id":   strings.TrimSpace(meterID),
			"meter_name": name,
			"kind":       kind.String(),
		},
	}, nil
}

// escapeMeterID keeps [a-z0-9] and writes every other byte as "_" plus two
// hex digits. The mapping is reversible, and the escape never produces
// "_t" or "_i", so the kind suffix stays unambiguous.
func escapeMeterID(meterID string) string {
	var b strings.Builder
	for i := 0; i < len(meterID); i++ {
		c := meterID[i]
		if ('a' <= c && c <= 'z') || ('0' <= c && c <= '9') {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('_')
		b.WriteString(hex.EncodeToString([]byte{c}))
	}
	return b.String()
}
