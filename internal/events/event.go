package events

// Meta locates an event on chain.
type Meta struct {
	Emitter     string
	Kind        Kind
	BlockHeight uint64
	TxHash      string
	LogIndex    uint64
}

// Event is one decoded domain event. The set of implementations is closed.
type Event interface {
	Metadata() Meta
	isEvent()
}

// Like records that Liker expressed interest in Target.
type Like struct {
	Meta
	Liker  string
	Target string
}

// Unlike withdraws a previous Like.
type Unlike struct {
	Meta
	Liker  string
	Target string
}

// Match records mutual interest between two addresses, in either order.
type Match struct {
	Meta
	UserA string
	UserB string
}

// WalletCreated links a shared wallet to a matched pair.
type WalletCreated struct {
	Meta
	Wallet string
	UserA  string
	UserB  string
}

// OwnershipMinted records a newly minted profile token. TokenID is decimal.
type OwnershipMinted struct {
	Meta
	Owner   string
	TokenID string
}

// ActiveOwnershipChanged selects which of the owner's tokens is active.
type ActiveOwnershipChanged struct {
	Meta
	Owner   string
	TokenID string
}

func (e Like) Metadata() Meta                   { return e.Meta }
func (e Unlike) Metadata() Meta                 { return e.Meta }
func (e Match) Metadata() Meta                  { return e.Meta }
func (e WalletCreated) Metadata() Meta          { return e.Meta }
func (e OwnershipMinted) Metadata() Meta        { return e.Meta }
func (e ActiveOwnershipChanged) Metadata() Meta { return e.Meta }

func (Like) isEvent()                   {}
func (Unlike) isEvent()                 {}
func (Match) isEvent()                  {}
func (WalletCreated) isEvent()          {}
func (OwnershipMinted) isEvent()        {}
func (ActiveOwnershipChanged) isEvent() {}
