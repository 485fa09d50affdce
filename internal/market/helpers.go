package market

import "sort"

func cloneAsset(a *Asset) Asset {
	out := *a
	out.Tags = append([]string(nil), a.Tags...)
	out.RequiredClearances = append([]string(nil), a.RequiredClearances...)
	return out
}

func cloneListing(l *Listing) Listing {
	out := *l
	if l.AuctionEnd != nil {
		end := *l.AuctionEnd
		out.AuctionEnd = &end
	}
	if l.MinBidIncrement != nil {
		inc := *l.MinBidIncrement
		out.MinBidIncrement = &inc
	}
	if l.SoldAt != nil {
		at := *l.SoldAt
		out.SoldAt = &at
	}
	return out
}

func sortAssetsByID(assets []Asset) {
	sort.Slice(assets, func(i, j int) bool { return assets[i].ID < assets[j].ID })
}

func sortGrantsByID(grants []AccessGrant) {
	sort.Slice(grants, func(i, j int) bool { return grants[i].ID < grants[j].ID })
}

// FeeFor returns the marketplace cut of price at the given basis points.
// The quotient/remainder split keeps the result exact for prices near the
// int64 ceiling, where a direct price*bp product would wrap.
func FeeFor(price int64, basisPoints int) int64 {
	bp := int64(basisPoints)
	return price/maxFeeBasisPoints*bp + price%maxFeeBasisPoints*bp/maxFeeBasisPoints
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
