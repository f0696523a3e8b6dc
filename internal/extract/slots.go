// slots.go — The extraction slot vocabulary.
// Every cached selector is keyed by a slot name from this fixed vocabulary;
// the slot's semantic is the human-readable description handed to the LLM
// when the selector needs repair. One semantic per slot, shared by all
// tenants — per-tenant variation lives in the selectors, never here.
package extract

import (
	"regexp"
	"strings"

	"github.com/forecourt/oemwatch/internal/types"
)

// Container slots select one node per entity; value slots are read within
// (or index-aligned with) the containers.
const (
	SlotProductItem = "product_item"
	SlotOfferItem   = "offer_item"
	SlotBannerItem  = "banner_item"
)

// semantics is the slot → semantic table.
var semantics = map[string]string{
	SlotProductItem: "Container element for one vehicle model card in the model listing",
	SlotOfferItem:   "Container element for one special-offer card in the offers listing",
	SlotBannerItem:  "Container element for one hero or campaign banner",

	"title":        "Vehicle model or offer name heading",
	"subtitle":     "Secondary heading or tagline under the title",
	"price":        "Price in local currency for the vehicle or variant",
	"availability": "Availability label such as in stock, coming soon, or sold out",
	"offer_type":   "Offer category label such as finance, cashback, or drive-away",
	"saving":       "Saving or discount amount for the offer",
	"end_date":     "Offer validity end date",
	"disclaimer":   "Fine-print disclaimer text",
	"image":        "Primary image for the vehicle, offer, or banner",
	"cta":          "Primary call-to-action link",
	"headline":     "Banner headline text",
	"subheadline":  "Banner supporting text under the headline",
	"body_type":    "Vehicle body type label such as SUV, sedan, or ute",
	"fuel_type":    "Fuel or drivetrain type label such as hybrid, petrol, or electric",
}

// Semantic returns the description for a slot; unknown slots get a generic
// line so a stray cache entry still produces a usable repair prompt.
func Semantic(slot string) string {
	if s, ok := semantics[slot]; ok {
		return s
	}
	return "Element for the " + strings.ReplaceAll(slot, "_", " ") + " field"
}

// slotsForKind lists the value slots extracted for each entity family, in
// extraction order.
func slotsForKind(kind types.EntityKind) (container string, slots []string) {
	switch kind {
	case types.KindProduct:
		return SlotProductItem, []string{"title", "subtitle", "price", "availability", "body_type", "fuel_type", "image", "cta", "disclaimer"}
	case types.KindOffer:
		return SlotOfferItem, []string{"title", "subtitle", "offer_type", "price", "saving", "end_date", "image", "cta", "disclaimer"}
	case types.KindBanner:
		return SlotBannerItem, []string{"headline", "subheadline", "cta", "image", "disclaimer"}
	default:
		return "", nil
	}
}

// kindsForPage maps a page type to the entity families worth extracting
// from it.
func kindsForPage(pt types.PageType) []types.EntityKind {
	switch pt {
	case types.PageHomepage:
		return []types.EntityKind{types.KindBanner, types.KindProduct}
	case types.PageOffers:
		return []types.EntityKind{types.KindOffer, types.KindBanner}
	case types.PageVehicle, types.PageBuildPrice, types.PagePriceGuide:
		return []types.EntityKind{types.KindProduct}
	case types.PageCategory:
		return []types.EntityKind{types.KindProduct, types.KindBanner}
	default:
		return nil
	}
}

// attrSlots read an attribute instead of text content.
var attrSlots = map[string]string{
	"image": "src",
	"cta":   "href",
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// slugify derives a vendor-stable external key from a title.
func slugify(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = slugRe.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
