package response

import "nettrace-guardian/internal/schema"

// Step is one mitigation action from the playbook.
type Step struct {
	Action      string        `json:"action"`
	Description string        `json:"description"`
	Kind        DirectiveKind `json:"kind"`
}

var playbook = [schema.PacketTypeCount][]Step{
	schema.PacketSYN: {
		{Action: "drop_incomplete_syn", Description: "drop half-open connections from the source", Kind: KindBlock},
		{Action: "enable_syn_cookies", Description: "answer SYNs with cookies instead of queue entries", Kind: KindRateLimit},
	},
	schema.PacketUDP: {
		{Action: "block_source", Description: "block UDP traffic from the source", Kind: KindBlock},
		{Action: "rate_limit_udp", Description: "rate limit UDP traffic", Kind: KindRateLimit},
	},
	schema.PacketICMP: {
		{Action: "disable_echo_reply", Description: "stop answering ICMP echo requests", Kind: KindBlock},
		{Action: "rate_limit_icmp", Description: "rate limit ICMP traffic", Kind: KindRateLimit},
	},
	schema.PacketOther: {
		{Action: "block_source", Description: "block traffic from the source", Kind: KindBlock},
		{Action: "rate_limit_source", Description: "rate limit traffic from the source", Kind: KindRateLimit},
	},
}

// Playbook returns the mitigation steps for a packet type.
func Playbook(pt schema.PacketType) []Step {
	if !pt.Valid() {
		return nil
	}
	return append([]Step(nil), playbook[pt]...)
}

// Actions returns the playbook actions of the given kind for a packet type.
func Actions(pt schema.PacketType, kind DirectiveKind) []string {
	var out []string
	for _, s := range Playbook(pt) {
		if s.Kind == kind {
			out = append(out, s.Action)
		}
	}
	return out
}
