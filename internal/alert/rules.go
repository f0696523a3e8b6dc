// rules.go — Per-field alert routing.
// Routing is a lookup against an ordered rule table keyed by (entity kind,
// field). The first meaningful changed field with a matching rule picks the
// channel; entity-kind defaults cover the rest. Critical analyses are always
// forced onto an immediate channel, whatever the table says.
package alert

import "github.com/forecourt/oemwatch/internal/types"

// rule maps one (kind, field) pair to a channel. An empty kind matches any
// entity; an empty field matches any field of that kind.
type rule struct {
	kind    types.EntityKind
	field   string
	channel types.Channel
}

// routeRules in evaluation order. Price, title, and availability movements
// page someone now; cosmetic drift rides the digests.
var routeRules = []rule{
	// Products: showroom state. Price and availability are the business.
	{types.KindProduct, "price_amount", types.ChannelSlackImmediate},
	{types.KindProduct, "price_disclaimer", types.ChannelSlackBatchDaily},
	{types.KindProduct, "title", types.ChannelSlackImmediate},
	{types.KindProduct, "availability", types.ChannelSlackImmediate},
	{types.KindProduct, "variants", types.ChannelSlackBatchHour},
	{types.KindProduct, "image_fingerprint", types.ChannelSlackBatchHour},
	{types.KindProduct, "image_url", types.ChannelSlackBatchHour},
	{types.KindProduct, "body_type", types.ChannelSlackBatchDaily},
	{types.KindProduct, "fuel_type", types.ChannelSlackBatchDaily},
	{types.KindProduct, "description", types.ChannelSlackBatchDaily},

	// Offers: anything about the deal itself is urgent; legal text waits.
	{types.KindOffer, "price_amount", types.ChannelSlackImmediate},
	{types.KindOffer, "saving_amount", types.ChannelSlackImmediate},
	{types.KindOffer, "offer_type", types.ChannelSlackImmediate},
	{types.KindOffer, "end_date", types.ChannelSlackImmediate},
	{types.KindOffer, "title", types.ChannelSlackImmediate},
	{types.KindOffer, "disclaimer", types.ChannelEmail},
	{types.KindOffer, "terms", types.ChannelEmail},
	{types.KindOffer, "image_fingerprint", types.ChannelSlackBatchHour},

	// Banners: campaign churn, digestible.
	{types.KindBanner, "headline", types.ChannelSlackBatchHour},
	{types.KindBanner, "subheadline", types.ChannelSlackBatchHour},
	{types.KindBanner, "cta_url", types.ChannelSlackBatchHour},
	{types.KindBanner, "cta_text", types.ChannelSlackBatchHour},
	{types.KindBanner, "image_fingerprint", types.ChannelSlackBatchHour},
	{types.KindBanner, "position", types.ChannelSlackBatchDaily},
}

// kindDefaults apply when no rule matched any meaningful field.
var kindDefaults = map[types.EntityKind]types.Channel{
	types.KindProduct: types.ChannelSlackImmediate,
	types.KindOffer:   types.ChannelSlackImmediate,
	types.KindBanner:  types.ChannelSlackBatchHour,
}

// defaultChannel is the fallback for kinds outside the table.
const defaultChannel = types.ChannelSlackBatchDaily

// Route assigns the analysis its channel and returns it. Safe for concurrent
// use; the table is immutable.
func Route(a *types.ChangeAnalysis) types.Channel {
	ch := lookup(a)
	// Invariant: critical events never wait in a batch.
	if a.Severity == types.SeverityCritical && !ch.Immediate() {
		ch = types.ChannelSlackImmediate
	}
	a.Channel = ch
	return ch
}

func lookup(a *types.ChangeAnalysis) types.Channel {
	for _, field := range a.Meaningful {
		for _, r := range routeRules {
			if r.kind == a.EntityKind && r.field == field {
				return r.channel
			}
		}
	}
	if ch, ok := kindDefaults[a.EntityKind]; ok {
		return ch
	}
	return defaultChannel
}
