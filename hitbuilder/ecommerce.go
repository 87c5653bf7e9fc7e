package hitbuilder

import (
	"maps"
	"strconv"

	"github.com/hitrelay/hitrelay/types"
)

// Product describes one product in an enhanced e-commerce hit. Empty strings
// and zero numbers are left out of the hit.
type Product struct {
	ID         string
	Name       string
	Brand      string
	Category   string
	Variant    string
	Price      float64
	Quantity   int
	CouponCode string
	Position   int

	CustomDimensions map[int]string
	CustomMetrics    map[int]int64
}

// params renders the product under the given key prefix, e.g. "pr1" or
// "il2pi3".
func (p Product) params(prefix string) types.Params {
	data := types.Params{}
	setIf(data, prefix+"id", p.ID)
	setIf(data, prefix+"nm", p.Name)
	setIf(data, prefix+"br", p.Brand)
	setIf(data, prefix+"ca", p.Category)
	setIf(data, prefix+"va", p.Variant)
	if p.Price != 0 {
		data[prefix+"pr"] = formatFloat(p.Price)
	}
	if p.Quantity != 0 {
		data[prefix+"qt"] = strconv.Itoa(p.Quantity)
	}
	setIf(data, prefix+"cc", p.CouponCode)
	if p.Position != 0 {
		data[prefix+"ps"] = strconv.Itoa(p.Position)
	}
	for idx, v := range p.CustomDimensions {
		data[prefix+"cd"+strconv.Itoa(idx)] = v
	}
	for idx, v := range p.CustomMetrics {
		data[prefix+"cm"+strconv.Itoa(idx)] = strconv.FormatInt(v, 10)
	}
	return data
}

type Promotion struct {
	ID       string
	Name     string
	Creative string
	Position string
}

type ProductActionType string

const (
	ActionAdd            ProductActionType = "add"
	ActionCheckout       ProductActionType = "checkout"
	ActionCheckoutOption ProductActionType = "checkout_option"
	ActionClick          ProductActionType = "click"
	ActionDetail         ProductActionType = "detail"
	ActionPurchase       ProductActionType = "purchase"
	ActionRefund         ProductActionType = "refund"
	ActionRemove         ProductActionType = "remove"
)

// ProductAction describes what happened to the products attached to a hit.
type ProductAction struct {
	Action                 ProductActionType
	TransactionID          string
	TransactionAffiliation string
	TransactionRevenue     float64
	TransactionTax         float64
	TransactionShipping    float64
	TransactionCouponCode  string
	ProductActionList      string
	ProductListSource      string
	CheckoutStep           int
	CheckoutOptions        string
}

type PromotionAction string

const (
	PromotionClick PromotionAction = "click"
	PromotionView  PromotionAction = "view"
)

// impressionState maps impression list names to their 1-based index and
// counts the products in each list. It is copied, never mutated, when a
// builder adds an impression.
type impressionState struct {
	lists    map[string]int
	products map[int]int
}

// AddProduct appends a product; products are numbered from 1 in the order
// they are added along the lineage.
func (b *HitBuilder) AddProduct(p Product) *HitBuilder {
	index := b.productCount + 1
	child := b.derive(p.params("pr" + strconv.Itoa(index)))
	child.productCount = index
	return child
}

func (b *HitBuilder) AddPromotion(p Promotion) *HitBuilder {
	index := b.promotionCount + 1
	prefix := "promo" + strconv.Itoa(index)
	data := types.Params{}
	setIf(data, prefix+"id", p.ID)
	setIf(data, prefix+"nm", p.Name)
	setIf(data, prefix+"cr", p.Creative)
	setIf(data, prefix+"ps", p.Position)
	child := b.derive(data)
	child.promotionCount = index
	return child
}

// AddImpression records that a product was shown in the named list. The
// first impression for a list also sets the list's name.
func (b *HitBuilder) AddImpression(p Product, listName string) *HitBuilder {
	next := &impressionState{lists: map[string]int{}, products: map[int]int{}}
	if b.impressions != nil {
		next.lists = maps.Clone(b.impressions.lists)
		next.products = maps.Clone(b.impressions.products)
	}

	data := types.Params{}
	listIndex, ok := next.lists[listName]
	if !ok {
		listIndex = len(next.lists) + 1
		next.lists[listName] = listIndex
		setIf(data, "il"+strconv.Itoa(listIndex)+"nm", listName)
	}
	next.products[listIndex]++
	prefix := "il" + strconv.Itoa(listIndex) + "pi" + strconv.Itoa(next.products[listIndex])
	data.Merge(p.params(prefix))

	child := b.derive(data)
	child.impressions = next
	return child
}

func (b *HitBuilder) SetProductAction(a ProductAction) *HitBuilder {
	data := types.Params{}
	setIf(data, "pa", string(a.Action))
	setIf(data, "ti", a.TransactionID)
	setIf(data, "ta", a.TransactionAffiliation)
	if a.TransactionRevenue != 0 {
		data["tr"] = formatFloat(a.TransactionRevenue)
	}
	if a.TransactionTax != 0 {
		data["tt"] = formatFloat(a.TransactionTax)
	}
	if a.TransactionShipping != 0 {
		data["ts"] = formatFloat(a.TransactionShipping)
	}
	setIf(data, "tcc", a.TransactionCouponCode)
	setIf(data, "pal", a.ProductActionList)
	setIf(data, "pls", a.ProductListSource)
	if a.CheckoutStep != 0 {
		data["cos"] = strconv.Itoa(a.CheckoutStep)
	}
	setIf(data, "col", a.CheckoutOptions)
	return b.derive(data)
}

// SetPromotionAction sets the action for the promotions in the hit. It
// shares the "pa" key with SetProductAction; the later call wins.
func (b *HitBuilder) SetPromotionAction(a PromotionAction) *HitBuilder {
	return b.Set("pa", string(a))
}

func setIf(data types.Params, key, value string) {
	if value != "" {
		data[key] = value
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
