package gateway

import "time"

// worst returns the most severe of two CheckLevels (fail > warn > pass),
// used to compute TestResult.Verdict as the worst check level (spec §4.3).
func worst(a, b CheckLevel) CheckLevel {
	rank := map[CheckLevel]int{LevelPass: 0, LevelWarn: 1, LevelFail: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// computeVerdict folds a Check slice into the overall result (spec §4.3).
func computeVerdict(checks []Check) CheckLevel {
	v := LevelPass
	for _, c := range checks {
		v = worst(v, c.Level)
	}
	return v
}

// activityCheck turns a platform's last-inbound/outbound timestamp into
// a warn-on-staleness Check, applying the 2-minute threshold (spec §4.3
// "optional 2-minute inbound/outbound activity thresholds").
func activityCheck(name string, ok bool, unixMS int64) Check {
	if !ok {
		return Check{Name: name, Level: LevelWarn, Message: name + ": no activity observed yet"}
	}
	age := time.Since(time.UnixMilli(unixMS))
	if age > 2*time.Minute {
		return Check{Name: name, Level: LevelWarn, Message: name + ": stale (" + age.Round(time.Second).String() + " since last activity)"}
	}
	return Check{Name: name, Level: LevelPass}
}
