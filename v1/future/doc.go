// Package future implements the promise facade shared by worker units, pools
// and mutex handles. A Future settles exactly once and can be awaited with a
// caller-supplied context so deadlines always belong to the caller.
package future
