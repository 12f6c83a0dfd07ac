package autonomous

import (
	"regexp"
	"strings"
)

// Offer is a parsed job offer: someone is willing to pay for a task.
type Offer struct {
	TaskType  string
	PosterENS string
	Price     string
	InputRef  string
	Raw       string
}

// Accept is a parsed acceptance: a worker names their ENS in reply.
type Accept struct {
	WorkerENS string
	Raw       string
}

var (
	offerBlockRE  = regexp.MustCompile(`(?is)\[AGENTPAY_OFFER\]\s*\n(.*?)(?:\n\[|\n\n\n|\z)`)
	acceptBlockRE = regexp.MustCompile(`(?is)\[AGENTPAY_ACCEPT\]\s*\n(.*?)(?:\n\[|\n\n\n|\z)`)
	keyValueRE    = regexp.MustCompile(`(?m)^\s*(\w+)\s*:\s*(.+)$`)

	offerENSRE   = regexp.MustCompile(`(?is)agentpay.*?ens\s*:\s*([\w.-]+\.eth)`)
	offerTaskRE  = regexp.MustCompile(`(?i)to\s+([^.]*?)\.`)
	offerPriceRE = regexp.MustCompile(`(?i)Offering\s+(\S+)\s+AP`)

	acceptENSRE    = regexp.MustCompile(`(?i)(?:my\s+)?ens\s*:\s*([\w.-]+\.eth)`)
	acceptPhraseRE = regexp.MustCompile(`(?i)\bI(?:\s+accept|'ll\s+(?:accept|do)|\s+will\s+(?:accept|do))\b`)
)

// ParseOffer parses text for an AgentPay offer, trying the structured
// [AGENTPAY_OFFER] block first, then a free-form fallback that needs an
// "Offering N AP" phrase plus the AgentPay marker and an ENS. Matching is
// case-insensitive and whitespace-tolerant; the first match wins.
func ParseOffer(text string) *Offer {
	if text == "" || !strings.Contains(strings.ToLower(text), "agentpay") {
		return nil
	}

	if m := offerBlockRE.FindStringSubmatch(text); m != nil {
		kv := parseKeyValues(m[1])
		task := strings.TrimSpace(kv["task"])
		ens := normalizeENS(strings.TrimSpace(kv["ens"]))
		if task != "" && ens != "" {
			return &Offer{
				TaskType:  task,
				PosterENS: ens,
				Price:     strings.TrimSpace(kv["price"]),
				InputRef:  strings.TrimSpace(kv["input"]),
				Raw:       text,
			}
		}
	}

	if m := offerENSRE.FindStringSubmatch(text); m != nil {
		p := offerPriceRE.FindStringSubmatch(text)
		if p == nil {
			return nil
		}
		ens := normalizeENS(strings.TrimSpace(m[1]))
		task := "task"
		if t := offerTaskRE.FindStringSubmatch(text); t != nil {
			if trimmed := strings.TrimSpace(t[1]); trimmed != "" {
				task = trimmed
			}
		}
		return &Offer{TaskType: task, PosterENS: ens, Price: strings.TrimSpace(p[1]), Raw: text}
	}

	return nil
}

// ParseAccept parses text for an AgentPay accept, trying the structured
// [AGENTPAY_ACCEPT] block first, then a free-form fallback that needs an
// "I accept" / "I'll do" / "I will do" phrase plus an ENS.
func ParseAccept(text string) *Accept {
	if text == "" {
		return nil
	}

	if m := acceptBlockRE.FindStringSubmatch(text); m != nil {
		kv := parseKeyValues(m[1])
		ens := normalizeENS(strings.TrimSpace(kv["ens"]))
		if ens != "" {
			return &Accept{WorkerENS: ens, Raw: text}
		}
	}

	if !acceptPhraseRE.MatchString(text) {
		return nil
	}
	if m := acceptENSRE.FindStringSubmatch(text); m != nil {
		ens := normalizeENS(strings.TrimSpace(m[1]))
		if ens != "" {
			return &Accept{WorkerENS: ens, Raw: text}
		}
	}

	return nil
}

func parseKeyValues(block string) map[string]string {
	kv := make(map[string]string)
	for _, m := range keyValueRE.FindAllStringSubmatch(block, -1) {
		kv[strings.ToLower(m[1])] = m[2]
	}
	return kv
}

func normalizeENS(ens string) string {
	if ens == "" || strings.HasSuffix(strings.ToLower(ens), ".eth") {
		return ens
	}
	return ens + ".eth"
}
