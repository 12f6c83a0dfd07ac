// Package autonomous implements the feed-polling loop and offer/accept text
// parsers that let an agent drive hires and job acceptance without a human
// in the loop. The poll/dedupe/dispatch shape is grounded on the teacher's
// services/base_service.go runDiscoveryLoop; the parsers are grounded on
// original_source/autonomous_adapter/parse_agentpay_intent.go's structured
// and free-form regexes.
package autonomous
