// Package role decides which side of a peer pair sends the first offer.
package role

// ShouldInitiate reports whether selfID opens the connection to peerID. The
// byte-wise smaller identifier always initiates, so for distinct ids exactly
// one side of every pair offers and glare cannot happen. Equal ids never
// initiate.
func ShouldInitiate(selfID, peerID string) bool {
	return selfID < peerID
}

// Initiator returns which of the two ids initiates the pair.
func Initiator(a, b string) string {
	if ShouldInitiate(a, b) {
		return a
	}
	return b
}
