package quantum

import "errors"

var (
	// ErrMarketNotActive rejects operations that need a market phase the
	// market has already left, trades after PreCollapse included.
	ErrMarketNotActive = errors.New("market not active")

	// ErrProposalLocked rejects trades on a proposal whose trading lock is
	// engaged.
	ErrProposalLocked = errors.New("proposal locked")

	// ErrAlreadyCollapsed rejects a second collapse of the same market.
	ErrAlreadyCollapsed = errors.New("market already collapsed")

	// ErrMarketVoided rejects activity on an administratively voided
	// market.
	ErrMarketVoided = errors.New("market voided")
)
