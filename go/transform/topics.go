package transform

import "strings"

// kaspaKeywords drives the KaspaRelated flag. Matching is a simple
// case-insensitive substring scan over the cleaned text.
var kaspaKeywords = []string{
	"kaspa",
	"$kas",
	"blockdag",
	"ghostdag",
	"dagknight",
	"kaspad",
	"krc20",
	"krc-20",
	"kaspium",
	"kasware",
}

// topicBuckets maps each topic tag to the keywords which place a message in
// that bucket. Bucket order is fixed so derived topic lists are stable.
var topicBuckets = []struct {
	topic    string
	keywords []string
}{
	{"mining", []string{"mining", "miner", "hashrate", "asic", "pool", "difficulty"}},
	{"development", []string{"development", "developer", "sdk", "github", "testnet", "mainnet", "node", "rusty"}},
	{"trading", []string{"trading", "price", "exchange", "listing", "market", "volume", "ath"}},
	{"technology", []string{"blockdag", "ghostdag", "dagknight", "consensus", "protocol", "scalability", "pow"}},
	{"community", []string{"community", "meetup", "ama", "giveaway", "event", "milestone"}},
	{"defi", []string{"defi", "dex", "liquidity", "swap", "yield", "staking"}},
	{"nft", []string{"nft", "mint", "collectible"}},
}

// KaspaRelated reports whether |text| matches any Kaspa keyword.
func KaspaRelated(text string) bool {
	var lower = strings.ToLower(text)
	for _, kw := range kaspaKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// KaspaTopics returns the topic tags whose keyword buckets match |text|,
// in fixed bucket order.
func KaspaTopics(text string) []string {
	var lower = strings.ToLower(text)
	var out []string
	for _, b := range topicBuckets {
		for _, kw := range b.keywords {
			if strings.Contains(lower, kw) {
				out = append(out, b.topic)
				break
			}
		}
	}
	return out
}
