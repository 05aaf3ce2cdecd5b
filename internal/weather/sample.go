package weather

import "strconv"

// Sample is one decoded weather reading. It is built once per successful
// fetch and consumed by the same poll cycle's send; stale samples are never
// retried.
type Sample struct {
	TempF         float64
	Humidity      int
	ConditionRank int
}

// Payload renders the sample in the UART wire form: three ASCII fields
// joined by commas, e.g. "72.5,40,6". Exactly two commas — no trailing
// delimiter.
func (s Sample) Payload() []byte {
	out := strconv.AppendFloat(nil, s.TempF, 'f', -1, 64)
	out = append(out, ',')
	out = strconv.AppendInt(out, int64(s.Humidity), 10)
	out = append(out, ',')
	out = strconv.AppendInt(out, int64(s.ConditionRank), 10)
	return out
}
