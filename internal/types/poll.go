package types

import "time"

// Reading is one decoded parameter value.
type Reading struct {
	ParameterName string  `json:"parameterName"`
	Value         float64 `json:"value"`
	Unit          string  `json:"unit,omitempty"`
	DecimalPoint  int     `json:"decimalPoint,omitempty"`
}

// PollResult is produced once per poll of a device. Readings keep the
// declared data point order, including partial results of a failed poll.
type PollResult struct {
	DeviceID  string    `json:"deviceId"`
	Timestamp time.Time `json:"timestamp"`
	Readings  []Reading `json:"readings"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`

	Err error `json:"-"`
}

// Fail records err as the poll error unless one is already set.
func (r *PollResult) Fail(err error) {
	r.Success = false
	if r.Err == nil {
		r.Err = err
		r.Error = err.Error()
	}
}
