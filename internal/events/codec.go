package events

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/MarcoPoloResearchLab/cupid/internal/chain"
)

const wordSize = 32

var (
	// ErrUnknownTopic reports a log whose topic0 is not bound for its emitter.
	ErrUnknownTopic = errors.New("events: unknown topic")
	// ErrMalformedLog reports a log whose payload does not match the event signature.
	ErrMalformedLog = errors.New("events: malformed log")
)

// Binding ties an emitting contract address to the event kinds read from it.
type Binding struct {
	Emitter string
	Kinds   []Kind
}

// Codec turns raw chain logs into typed events for a fixed set of bindings.
type Codec struct {
	kinds map[string]map[string]Kind
}

// NewCodec builds a codec for the bindings. Addresses are compared case-insensitively.
func NewCodec(bindings []Binding) *Codec {
	codec := &Codec{kinds: make(map[string]map[string]Kind, len(bindings))}
	for _, binding := range bindings {
		emitter := normalizeAddress(binding.Emitter)
		if emitter == "" {
			continue
		}
		byTopic, ok := codec.kinds[emitter]
		if !ok {
			byTopic = make(map[string]Kind, len(binding.Kinds))
			codec.kinds[emitter] = byTopic
		}
		for _, kind := range binding.Kinds {
			if topic := kind.Topic(); topic != "" {
				byTopic[topic] = kind
			}
		}
	}
	return codec
}

// Decode converts a log into its typed event.
func (c *Codec) Decode(entry chain.Log) (Event, error) {
	if len(entry.Topics) == 0 {
		return nil, fmt.Errorf("%w: no topics", ErrMalformedLog)
	}
	emitter := normalizeAddress(entry.Address)
	kind, ok := c.kinds[emitter][strings.ToLower(entry.Topics[0])]
	if !ok {
		return nil, fmt.Errorf("%w: %s on %s", ErrUnknownTopic, entry.Topics[0], emitter)
	}
	return decodeAs(kind, entry)
}

// decodeAs decodes a log as the given kind without consulting bindings.
func decodeAs(kind Kind, entry chain.Log) (Event, error) {
	words, err := argumentWords(entry)
	if err != nil {
		return nil, err
	}
	meta := Meta{
		Emitter:     normalizeAddress(entry.Address),
		Kind:        kind,
		BlockHeight: entry.BlockNumber,
		TxHash:      strings.ToLower(entry.TxHash),
		LogIndex:    entry.LogIndex,
	}

	switch kind {
	case KindLike, KindUnlike, KindMatch:
		if len(words) < 2 {
			return nil, fmt.Errorf("%w: %s needs 2 arguments, got %d", ErrMalformedLog, kind, len(words))
		}
		first, second := wordAddress(words[0]), wordAddress(words[1])
		switch kind {
		case KindLike:
			return Like{Meta: meta, Liker: first, Target: second}, nil
		case KindUnlike:
			return Unlike{Meta: meta, Liker: first, Target: second}, nil
		default:
			return Match{Meta: meta, UserA: first, UserB: second}, nil
		}
	case KindWalletCreated:
		if len(words) < 3 {
			return nil, fmt.Errorf("%w: %s needs 3 arguments, got %d", ErrMalformedLog, kind, len(words))
		}
		return WalletCreated{
			Meta:   meta,
			Wallet: wordAddress(words[0]),
			UserA:  wordAddress(words[1]),
			UserB:  wordAddress(words[2]),
		}, nil
	case KindOwnershipMinted, KindActiveOwnershipChanged:
		if len(words) < 2 {
			return nil, fmt.Errorf("%w: %s needs 2 arguments, got %d", ErrMalformedLog, kind, len(words))
		}
		owner := wordAddress(words[0])
		tokenID := new(big.Int).SetBytes(words[1]).String()
		if kind == KindOwnershipMinted {
			return OwnershipMinted{Meta: meta, Owner: owner, TokenID: tokenID}, nil
		}
		return ActiveOwnershipChanged{Meta: meta, Owner: owner, TokenID: tokenID}, nil
	default:
		return nil, fmt.Errorf("%w: kind %q", ErrUnknownTopic, kind)
	}
}

// argumentWords returns the event arguments in declaration order: indexed arguments from
// topics[1:] followed by the 32-byte words of the data payload.
func argumentWords(entry chain.Log) ([][]byte, error) {
	if len(entry.Topics) == 0 {
		return nil, fmt.Errorf("%w: no topics", ErrMalformedLog)
	}
	words := make([][]byte, 0, len(entry.Topics)+2)
	for _, topic := range entry.Topics[1:] {
		word, err := decodeHex(topic)
		if err != nil {
			return nil, fmt.Errorf("%w: topic: %v", ErrMalformedLog, err)
		}
		if len(word) != wordSize {
			return nil, fmt.Errorf("%w: topic of %d bytes", ErrMalformedLog, len(word))
		}
		words = append(words, word)
	}
	data, err := decodeHex(entry.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: data: %v", ErrMalformedLog, err)
	}
	if len(data)%wordSize != 0 {
		return nil, fmt.Errorf("%w: data of %d bytes", ErrMalformedLog, len(data))
	}
	for offset := 0; offset < len(data); offset += wordSize {
		words = append(words, data[offset:offset+wordSize])
	}
	return words, nil
}

func wordAddress(word []byte) string {
	return "0x" + hex.EncodeToString(word[wordSize-20:])
}

func decodeHex(value string) ([]byte, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(value), "0x"), "0X")
	return hex.DecodeString(trimmed)
}

func normalizeAddress(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
