package stream

import "fmt"

// Unit is the physical unit magnetometer channels are published in.
type Unit string

const (
	UnitTesla      Unit = "T"
	UnitMilliTesla Unit = "mT"
	UnitMicroTesla Unit = "uT"
	UnitNanoTesla  Unit = "nT"
	UnitPicoTesla  Unit = "pT"
	UnitFemtoTesla Unit = "fT"

	// UnitVolt is used for ADC channels regardless of the configured unit.
	UnitVolt Unit = "V"
)

// DefaultUnit is the unit used when none is configured.
const DefaultUnit = UnitFemtoTesla

var teslaFactors = map[Unit]float64{
	UnitTesla:      1,
	UnitMilliTesla: 1e3,
	UnitMicroTesla: 1e6,
	UnitNanoTesla:  1e9,
	UnitPicoTesla:  1e12,
	UnitFemtoTesla: 1e15,
}

// ParseUnit validates a tesla unit name.
func ParseUnit(s string) (Unit, error) {
	u := Unit(s)
	if _, ok := teslaFactors[u]; !ok {
		return "", fmt.Errorf("unknown magnetometer unit %q (want T, mT, uT, nT, pT or fT)", s)
	}
	return u, nil
}

// Factor converts one tesla into the unit.
func (u Unit) Factor() float64 {
	if f, ok := teslaFactors[u]; ok {
		return f
	}
	return 1
}
