package models

import "fmt"

// Cents is a currency amount in minor units.
type Cents int64

// String renders c with two decimals, e.g. 1234 -> "12.34".
func (c Cents) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}
