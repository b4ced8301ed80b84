package transport

import (
	"strings"

	"livefeed/internal/domain/model"
)

const indexPrefix = "I:"

// VendorSymbol converts a caller symbol into the topic/query key the vendor
// expects. Index tickers carry the "I:" prefix; other channels pass through.
func VendorSymbol(ch model.Channel, symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if ch == model.ChannelIndices && !strings.HasPrefix(s, indexPrefix) {
		return indexPrefix + s
	}
	return s
}

// CallerSymbol strips the vendor prefix added by VendorSymbol
func CallerSymbol(ch model.Channel, symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if ch == model.ChannelIndices {
		return strings.TrimPrefix(s, indexPrefix)
	}
	return s
}
