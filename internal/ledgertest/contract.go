package ledgertest

import (
	"time"

	"github.com/alanyoungcy/p2pescrow/internal/codec"
	"github.com/alanyoungcy/p2pescrow/internal/domain"
	"github.com/alanyoungcy/p2pescrow/internal/market"
	"github.com/alanyoungcy/p2pescrow/internal/txbuilder"
)

// call executes one marketplace entry function. Every function takes the
// marketplace first and the clock last.
func (x *execution) call(mc *txbuilder.MoveCall) error {
	if !codec.SameAddress(mc.Package, PackageID) || mc.Module != Module {
		return abortf("unknown function %s::%s::%s", mc.Package, mc.Module, mc.Function)
	}
	if len(mc.TypeArgs) != 1 || normalizeType(mc.TypeArgs[0].String()) != normalizeType(TokenType) {
		return abortf("%s: wrong type arguments", mc.Function)
	}
	args := make([]value, len(mc.Args))
	for i, a := range mc.Args {
		v, err := x.arg(a)
		if err != nil {
			return err
		}
		args[i] = v
	}
	if len(args) < 2 || args[0].obj == nil || args[0].obj.kind != kindMarketplace {
		return abortf("%s: marketplace argument missing", mc.Function)
	}
	if last := args[len(args)-1]; last.obj == nil || last.obj.kind != kindClock {
		return abortf("%s: clock argument missing", mc.Function)
	}
	args = args[1 : len(args)-1]
	now := x.l.now()

	switch mc.Function {
	case "create_listing":
		return x.createListing(args, now)
	case "create_order":
		return x.createOrder(args, now)
	case "cancel_listing", "reclaim_expired_listing":
		if len(args) != 1 {
			return abortf("%s: want 1 argument", mc.Function)
		}
		l, err := listingArg(args[0])
		if err != nil {
			return err
		}
		return x.closeListing(l, mc.Function == "reclaim_expired_listing", now)
	case "create_dispute", "respond_to_dispute":
		if len(args) != 2 {
			return abortf("%s: want 2 arguments", mc.Function)
		}
		text, err := pureBytes(args[1])
		if err != nil {
			return err
		}
		if mc.Function == "create_dispute" {
			o, err := orderArg(args[0])
			if err != nil {
				return err
			}
			return x.createDispute(o, string(text), now)
		}
		if args[0].obj == nil || args[0].obj.kind != kindDispute {
			return abortf("respond_to_dispute: not a dispute")
		}
		return x.respond(args[0].obj, string(text))
	}

	if len(args) != 1 {
		return abortf("%s: want 1 argument", mc.Function)
	}
	o, err := orderArg(args[0])
	if err != nil {
		return err
	}
	return x.advanceOrder(mc.Function, o, now)
}

func listingArg(v value) (*object, error) {
	if v.obj == nil || v.obj.kind != kindListing {
		return nil, abortf("not a listing")
	}
	return v.obj, nil
}

func orderArg(v value) (*object, error) {
	if v.obj == nil || v.obj.kind != kindOrder {
		return nil, abortf("not an order")
	}
	return v.obj, nil
}

func (x *execution) createListing(args []value, now time.Time) error {
	if len(args) != 5 {
		return abortf("create_listing: want 5 arguments")
	}
	coin := args[0]
	var amount uint64
	switch {
	case coin.coin != nil:
		amount = coin.coin.balance
	case coin.obj != nil && coin.obj.kind == kindCoin:
		amount = coin.obj.balance
		x.deleted[coin.obj.id] = true
	default:
		return abortf("create_listing: not a coin")
	}
	coinType := ""
	if coin.coin != nil {
		coinType = coin.coin.coinType
	} else {
		coinType = coin.obj.coinType
	}
	if normalizeType(coinType) != normalizeType(TokenType) {
		return abortf("create_listing: coin type %s", coinType)
	}
	price, err := pureU64(args[1])
	if err != nil {
		return err
	}
	secs, err := pureU64(args[2])
	if err != nil {
		return err
	}
	md, err := pureMetadata(args[3], args[4])
	if err != nil {
		return err
	}
	if amount == 0 || price == 0 || secs == 0 {
		return abortf("create_listing: zero amount, price or expiry")
	}

	id := x.l.newID()
	x.created = append(x.created, &object{
		kind:  kindListing,
		id:    id,
		owner: domain.Owner{Kind: domain.OwnerShared, InitialSharedVersion: 1},
		typ:   PackageID + "::" + Module + "::Listing<" + TokenType + ">",
		listing: domain.Listing{
			ID:              id,
			Seller:          x.sender,
			TokenAmount:     amount,
			RemainingAmount: amount,
			Price:           price,
			Expiry:          millis(now.Add(time.Duration(secs) * time.Second)),
			CreatedAt:       millis(now),
			StatusCode:      uint8(market.ListingActive),
			Metadata:        md,
		},
	})
	return nil
}

func (x *execution) createOrder(args []value, now time.Time) error {
	if len(args) != 4 {
		return abortf("create_order: want 4 arguments")
	}
	lo, err := listingArg(args[0])
	if err != nil {
		return err
	}
	amount, err := pureU64(args[1])
	if err != nil {
		return err
	}
	md, err := pureMetadata(args[2], args[3])
	if err != nil {
		return err
	}
	l := &lo.listing
	if codec.SameAddress(l.Seller, x.sender) {
		return abortf("create_order: seller cannot buy own listing")
	}
	stage, _ := market.ListingStageOf(l.StatusCode)
	if !stage.Open() || market.Expired(l.Expiry, now) {
		return abortf("create_order: listing not accepting orders")
	}
	if amount == 0 || amount > l.RemainingAmount {
		return abortf("create_order: amount %d exceeds remaining %d", amount, l.RemainingAmount)
	}
	l.RemainingAmount -= amount
	if l.RemainingAmount == 0 {
		l.StatusCode = uint8(market.ListingSold)
	} else {
		l.StatusCode = uint8(market.ListingPartiallySold)
	}

	id := x.l.newID()
	x.created = append(x.created, &object{
		kind:  kindOrder,
		id:    id,
		owner: domain.Owner{Kind: domain.OwnerShared, InitialSharedVersion: 1},
		typ:   PackageID + "::" + Module + "::Order<" + TokenType + ">",
		order: domain.Order{
			ID:          id,
			ListingID:   l.ID,
			Buyer:       x.sender,
			Seller:      l.Seller,
			TokenAmount: amount,
			Price:       l.Price,
			FeeAmount:   amount * x.l.opts.FeeBps / 10_000,
			Expiry:      millis(now.Add(x.l.opts.PaymentWindow)),
			CreatedAt:   millis(now),
			StatusCode:  uint8(market.PendingPayment),
			Metadata:    md,
		},
	})
	return nil
}

func (x *execution) advanceOrder(fn string, oo *object, now time.Time) error {
	o := &oo.order
	stage, err := market.OrderStageOf(o.StatusCode)
	if err != nil {
		return abortf("%s: %v", fn, err)
	}
	isBuyer := codec.SameAddress(o.Buyer, x.sender)
	isSeller := codec.SameAddress(o.Seller, x.sender)

	switch fn {
	case "mark_payment_made":
		if !isBuyer || stage != market.PendingPayment {
			return abortf("mark_payment_made: order is %s", stage)
		}
		o.PaymentMade = true
		o.StatusCode = uint8(market.PaymentSent)
	case "mark_payment_received":
		if !isSeller || stage != market.PaymentSent || !o.PaymentMade {
			return abortf("mark_payment_received: order is %s", stage)
		}
		o.PaymentReceived = true
		o.StatusCode = uint8(market.PaymentConfirmed)
	case "release_order":
		if !isSeller || stage != market.PaymentConfirmed {
			return abortf("release_order: order is %s", stage)
		}
		o.StatusCode = uint8(market.Completed)
		x.mint(o.Buyer, o.TokenAmount)
	case "cancel_order":
		if !isBuyer || (stage != market.PendingPayment && stage != market.PaymentSent) {
			return abortf("cancel_order: order is %s", stage)
		}
		o.StatusCode = uint8(market.Cancelled)
		x.mint(o.Seller, o.TokenAmount)
	case "process_expired_order":
		if stage != market.PendingPayment || !market.Expired(o.Expiry, now) {
			return abortf("process_expired_order: order is %s", stage)
		}
		o.StatusCode = uint8(market.Cancelled)
		x.mint(o.Seller, o.TokenAmount)
	default:
		return abortf("unknown function %s", fn)
	}
	return nil
}

func (x *execution) closeListing(lo *object, reclaim bool, now time.Time) error {
	l := &lo.listing
	stage, _ := market.ListingStageOf(l.StatusCode)
	if !codec.SameAddress(l.Seller, x.sender) || !stage.Open() {
		return abortf("listing is %s", stage)
	}
	if reclaim {
		if !market.Expired(l.Expiry, now) {
			return abortf("listing has not expired")
		}
		l.StatusCode = uint8(market.ListingExpired)
	} else {
		l.StatusCode = uint8(market.ListingCanceled)
	}
	if l.RemainingAmount > 0 {
		x.mint(l.Seller, l.RemainingAmount)
		l.RemainingAmount = 0
	}
	return nil
}

func (x *execution) createDispute(oo *object, reason string, now time.Time) error {
	o := &oo.order
	stage, err := market.OrderStageOf(o.StatusCode)
	if err != nil || stage.Terminal() || o.DisputeID != "" {
		return abortf("create_dispute: order is %s", stage)
	}
	if !codec.SameAddress(o.Buyer, x.sender) && !codec.SameAddress(o.Seller, x.sender) {
		return abortf("create_dispute: caller is not a party")
	}
	id := x.l.newID()
	o.DisputeID = id
	o.StatusCode = uint8(market.Disputed)
	x.created = append(x.created, &object{
		kind:  kindDispute,
		id:    id,
		owner: domain.Owner{Kind: domain.OwnerShared, InitialSharedVersion: 1},
		typ:   PackageID + "::" + Module + "::Dispute",
		dispute: domain.Dispute{
			ID:          id,
			OrderID:     o.ID,
			Buyer:       o.Buyer,
			Seller:      o.Seller,
			TokenAmount: o.TokenAmount,
			Price:       o.Price,
			BuyerReason: reason,
			StatusCode:  uint8(market.DisputeOpen),
			CreatedAt:   millis(now),
		},
	})
	return nil
}

func (x *execution) respond(do *object, response string) error {
	d := &do.dispute
	if !codec.SameAddress(d.Seller, x.sender) || d.StatusCode != uint8(market.DisputeOpen) {
		return abortf("respond_to_dispute: dispute status %d", d.StatusCode)
	}
	d.SellerResponse = response
	d.HasResponse = true
	d.StatusCode = uint8(market.DisputeResponded)
	return nil
}

// mint pays out escrowed tokens as a new coin.
func (x *execution) mint(owner string, amount uint64) {
	x.created = append(x.created, &object{
		kind:     kindCoin,
		id:       x.l.newID(),
		owner:    domain.Owner{Kind: domain.OwnerAddress, Address: codec.NormalizeAddress(owner)},
		typ:      "0x2::coin::Coin<" + TokenType + ">",
		coinType: TokenType,
		balance:  amount,
	})
}

// millis truncates to the ledger's millisecond clock.
func millis(t time.Time) time.Time {
	return codec.FromMillis(codec.ToMillis(t))
}
