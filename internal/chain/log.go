package chain

import (
	"fmt"
	"strconv"
	"strings"
)

// Log is a single contract event emitted on chain.
type Log struct {
	Address     string
	Topics      []string
	Data        string
	BlockNumber uint64
	TxHash      string
	LogIndex    uint64
	Removed     bool
}

// FilterQuery selects logs by emitting address, topic0 alternatives and a closed height range.
type FilterQuery struct {
	Addresses []string
	Topics    []string
	FromBlock uint64
	ToBlock   uint64
}

type filterArg struct {
	Address   []string   `json:"address,omitempty"`
	Topics    [][]string `json:"topics,omitempty"`
	FromBlock string     `json:"fromBlock,omitempty"`
	ToBlock   string     `json:"toBlock,omitempty"`
}

func (q FilterQuery) toArg(withRange bool) filterArg {
	arg := filterArg{Address: q.Addresses}
	if len(q.Topics) > 0 {
		arg.Topics = [][]string{q.Topics}
	}
	if withRange {
		arg.FromBlock = formatQuantity(q.FromBlock)
		arg.ToBlock = formatQuantity(q.ToBlock)
	}
	return arg
}

type rpcLog struct {
	Address         string   `json:"address"`
	Topics          []string `json:"topics"`
	Data            string   `json:"data"`
	BlockNumber     string   `json:"blockNumber"`
	TransactionHash string   `json:"transactionHash"`
	LogIndex        string   `json:"logIndex"`
	Removed         bool     `json:"removed"`
}

func (l rpcLog) toLog() (Log, error) {
	blockNumber, err := parseQuantity(l.BlockNumber)
	if err != nil {
		return Log{}, fmt.Errorf("log block number: %w", err)
	}
	logIndex, err := parseQuantity(l.LogIndex)
	if err != nil {
		return Log{}, fmt.Errorf("log index: %w", err)
	}
	topics := make([]string, len(l.Topics))
	for index, topic := range l.Topics {
		topics[index] = strings.ToLower(topic)
	}
	return Log{
		Address:     strings.ToLower(l.Address),
		Topics:      topics,
		Data:        l.Data,
		BlockNumber: blockNumber,
		TxHash:      strings.ToLower(l.TransactionHash),
		LogIndex:    logIndex,
		Removed:     l.Removed,
	}, nil
}

func parseQuantity(value string) (uint64, error) {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(value), "0x"), "0X")
	if trimmed == "" {
		return 0, fmt.Errorf("empty quantity %q", value)
	}
	return strconv.ParseUint(trimmed, 16, 64)
}

func formatQuantity(value uint64) string {
	return "0x" + strconv.FormatUint(value, 16)
}
