package cron

import "testing"

// FuzzScheduleExpr feeds arbitrary strings through the shared schedule
// parser used by Start. Parse errors are fine; panics are not.
func FuzzScheduleExpr(f *testing.F) {
	f.Add("* * * * *")
	f.Add("*/2 * * * *")
	f.Add("0 * * * *")
	f.Add("0 3 * * 1")
	f.Add("61 * * * *")
	f.Add("every full moon")
	f.Add("")

	f.Fuzz(func(_ *testing.T, expr string) {
		_, _ = scheduleParser.Parse(expr)
	})
}
