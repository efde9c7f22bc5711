// Package synchronization brings user accounts in line with an outside
// directory of people.
//
// The module enabled at the core/synchronizations entry point does the
// work one step at a time. Each step returns the changes it made and the
// options of the next step; the caller repeats until the next options are
// null:
//
//	res, err := driver.Step(ctx, nil)
//	for err == nil && res.NextOptions != nil {
//		res, err = driver.Step(ctx, res.NextOptions)
//	}
package synchronization
