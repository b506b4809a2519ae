package ledger

import "math/big"

// Level buckets an XP total into a display tier.
func Level(xp uint64) uint8 {
	switch {
	case xp < 100:
		return 0
	case xp < 250:
		return 1
	case xp < 500:
		return 2
	default:
		return 3
	}
}

// Rank is an alias for Level; the two scales coincide in this system.
func Rank(xp uint64) uint8 {
	return Level(xp)
}

// Reputation folds activity signals into a 0..100 score:
// xp/10 + daysActive*2 + rating*5 - behaviorWeight*10 + 18, with truncating
// division, clamped into range. The signal inputs must be non-negative.
// Arithmetic runs on big.Int so extreme inputs clamp instead of wrapping.
func Reputation(xp uint64, daysActive, rating, behaviorWeight int64) (uint8, error) {
	if daysActive < 0 || rating < 0 || behaviorWeight < 0 {
		return 0, ErrInvalidArgument
	}
	score := new(big.Int).Quo(new(big.Int).SetUint64(xp), big.NewInt(10))
	score.Add(score, new(big.Int).Mul(big.NewInt(daysActive), big.NewInt(2)))
	score.Add(score, new(big.Int).Mul(big.NewInt(rating), big.NewInt(5)))
	score.Sub(score, new(big.Int).Mul(big.NewInt(behaviorWeight), big.NewInt(10)))
	score.Add(score, big.NewInt(18))

	if score.Sign() < 0 {
		return 0, nil
	}
	if score.Cmp(big.NewInt(100)) > 0 {
		return 100, nil
	}
	return uint8(score.Uint64()), nil
}
