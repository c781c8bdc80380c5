package gate

// Observer receives gate events for metrics.
type Observer interface {
	Redemption(outcome string)
	SessionCreated()
	CleanupDeleted(kind string, n int64)
}

type nopObserver struct{}

func (nopObserver) Redemption(string)            {}
func (nopObserver) SessionCreated()              {}
func (nopObserver) CleanupDeleted(string, int64) {}

// Redemption outcomes reported to the Observer.
const (
	OutcomeRedeemed = "redeemed"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)
