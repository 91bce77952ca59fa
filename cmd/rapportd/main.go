// Command rapportd runs the rapport conversation pipeline: it ingests inbound
// chat messages, remembers what contacts share, and replies when the policy
// gate allows it.
package main

func main() {
	Execute()
}
