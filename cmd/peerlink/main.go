// Peerlink relays end-to-end encrypted files between peers.
//
// One binary, two roles: `peerlink hub` runs the always-on relay that
// registers peers and forwards addressed envelopes without storing anything;
// `peerlink peer` runs a client session with an interactive shell for
// connecting to peers and sending files.
package main

func main() {
	Execute()
}
