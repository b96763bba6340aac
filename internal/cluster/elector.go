package cluster

// elect runs a single pass over candidates, maintaining a running
// incumbent. It's a pure function apart from the one mutation on the
// winner (node.elected()), and must iterate candidates in the order
// given — callers pass the HostEntry's registration-ordered slice so
// tie-breaking is deterministic.
func elect(candidates []*Context, requireExistingSession bool, domainFilter string) *Context {
	var winner *Context
	var winnerNode *Node
	var winnerStandby bool

	for _, c := range candidates {
		if !c.checkAvailable(requireExistingSession) {
			continue
		}
		n := c.Node()
		if domainFilter != "" && n.Domain != domainFilter {
			continue
		}

		if winner == nil {
			winner, winnerNode, winnerStandby = c, n, n.HotStandby
			continue
		}

		standby := n.HotStandby
		switch {
		case winnerStandby && standby:
			if n.electedDiff() < winnerNode.electedDiff() {
				winner, winnerNode, winnerStandby = c, n, standby
			}
		case winnerStandby && !standby:
			winner, winnerNode, winnerStandby = c, n, standby
		case !winnerStandby && standby:
			// keep incumbent
		default: // both active
			if n.loadStatusValue() > winnerNode.loadStatusValue() {
				winner, winnerNode, winnerStandby = c, n, standby
			}
		}
	}

	if winner != nil {
		winnerNode.elected()
	}
	return winner
}
