package resume

// SendGuard protects a deferred message send. The synchronous check
// claims the send; when the deferred tick fires, the claim is
// re-validated against the latest busy flags. A send aborted at that
// point rolls its claimed marker back so a later attempt is not
// permanently blocked.
type SendGuard struct {
	claimed bool
}

// Claim performs the synchronous guard check. It fails while input is
// blocked or another send holds the claim.
func (g *SendGuard) Claim(inputBlocked bool) bool {
	if inputBlocked || g.claimed {
		return false
	}
	g.claimed = true
	return true
}

// Confirm re-evaluates the guard at send time. If input became busy in
// the meantime, the send is aborted and the claim rolled back.
func (g *SendGuard) Confirm(inputBlocked bool) bool {
	if !g.claimed {
		return false
	}
	if inputBlocked {
		g.claimed = false
		return false
	}
	return true
}

// Release clears the claim after the send completed.
func (g *SendGuard) Release() { g.claimed = false }

// Claimed reports whether a deferred send holds the claim.
func (g *SendGuard) Claimed() bool { return g.claimed }
