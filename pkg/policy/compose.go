package policy

// Compose folds middleware right to left.
//
//	Compose(m1, m2, m3)(done)
//
// is m1(m2(m3(done))), so on invocation control flows m1 -> m2 -> m3 -> done.
// Compose with no middleware returns the continuation unchanged.
func Compose(mws ...Middleware) Middleware {
	return func(next Continuation) Continuation {
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			if mw == nil {
				continue
			}
			next = mw(next)
		}
		return next
	}
}
