package ledger

// applyDebit computes the post-debit counters for a non-premium user.
// Free turns drain before paid turns; the order is policy, not caller
// choice. Both exhausted yields ErrInsufficientTurns and unchanged values.
func applyDebit(free, paid int) (int, int, error) {
	switch {
	case free > 0:
		return free - 1, paid, nil
	case paid > 0:
		return free, paid - 1, nil
	default:
		return free, paid, ErrInsufficientTurns
	}
}
