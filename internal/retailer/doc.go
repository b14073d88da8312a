// Package retailer checks tracked products on retailer sites.
//
// Each site kind is an Extractor registered under a discriminant string
// ("bestbuy", "amazon", "generic"). New builds an Adapter for a stored
// retailer: it paces requests with a per-retailer Pacer, retries
// navigation, extracts price and stock from the rendered document and
// appends a price history row for every product it checks.
package retailer
