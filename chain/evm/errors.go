package evm

import (
	"errors"
	"fmt"
	"strings"
)

// RevertReason extracts the revert data from a JSON-RPC error returned by
// eth_call or eth_estimateGas. It returns the raw error text when the error
// carries no structured data.
func RevertReason(err error) string {
	if err == nil {
		return ""
	}

	reason, perr := jsonErrorData(err)
	if perr == nil && reason != "" {
		return reason
	}

	return err.Error()
}

// jsonErrorData extracts the error data from a JSON-RPC error.
func jsonErrorData(err error) (string, error) {
	if err == nil {
		return "", errors.New("cannot parse nil error")
	}

	// Matches the structure of geth's private jsonError type.
	//
	// https://github.com/ethereum/go-ethereum/blob/0983cd789ee1905aedaed96f72793e5af8466f34/rpc/json.go#L140
	type jsonError interface {
		Error() string
		ErrorCode() int
		ErrorData() any
	}

	var jerr jsonError
	ok := errors.As(err, &jerr)
	if !ok {
		return "", fmt.Errorf("error must be of type jsonError: %w", err)
	}

	data := fmt.Sprintf("%s", jerr.ErrorData())
	if data == "" && strings.Contains(jerr.Error(), "missing trie node") {
		return "", errors.New("missing trie node, likely due to not using an archive node")
	}

	return data, nil
}
