package events

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// Kind names an on-chain event type. Values are the event names as declared by the contracts.
type Kind string

const (
	KindLike                   Kind = "Like"
	KindUnlike                 Kind = "UnLike"
	KindMatch                  Kind = "Match"
	KindWalletCreated          Kind = "MultiSigCreated"
	KindOwnershipMinted        Kind = "ProfileMinted"
	KindActiveOwnershipChanged Kind = "ActiveNftChanged"
)

var signatures = map[Kind]string{
	KindLike:                   "Like(address,address)",
	KindUnlike:                 "UnLike(address,address)",
	KindMatch:                  "Match(address,address)",
	KindWalletCreated:          "MultiSigCreated(address,address,address)",
	KindOwnershipMinted:        "ProfileMinted(address,uint256)",
	KindActiveOwnershipChanged: "ActiveNftChanged(address,uint256)",
}

// MatchMakingKinds lists the events emitted by the matchmaking contract.
func MatchMakingKinds() []Kind {
	return []Kind{KindLike, KindUnlike, KindMatch, KindWalletCreated}
}

// SoulboundKinds lists the events emitted by the profile ownership contract.
func SoulboundKinds() []Kind {
	return []Kind{KindOwnershipMinted, KindActiveOwnershipChanged}
}

// Signature returns the canonical event signature, or "" for an unknown kind.
func (k Kind) Signature() string {
	return signatures[k]
}

// Topic returns topic0 for the kind: the keccak256 hash of its signature.
func (k Kind) Topic() string {
	signature, ok := signatures[k]
	if !ok {
		return ""
	}
	return topicHash(signature)
}

func topicHash(signature string) string {
	hasher := sha3.NewLegacyKeccak256()
	hasher.Write([]byte(signature))
	return "0x" + hex.EncodeToString(hasher.Sum(nil))
}

func (k Kind) String() string {
	return string(k)
}
