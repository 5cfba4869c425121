package tools

import (
	"context"
	"fmt"
	"time"
)

// CurrentTime reports the current time, optionally in a requested
// timezone. Models have no clock; this keeps "what day is it" questions
// answerable and date math honest.
func CurrentTime(_ context.Context, in CurrentTimeInput) (CurrentTimeOutput, error) {
	tz := in.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return CurrentTimeOutput{}, fmt.Errorf("unknown timezone %q", in.Timezone)
	}

	now := time.Now().In(loc)
	return CurrentTimeOutput{
		Timezone: tz,
		Time:     now.Format(time.RFC3339),
		Unix:     now.Unix(),
		Weekday:  now.Weekday().String(),
	}, nil
}
