// Package model defines core data types for the trade enrichment service.
//
// This package contains the value types that flow through the system: trades
// produced by a source, the reference entities served by the lookup server, and
// the tuples built up while a trade is being enriched. All types are plain values;
// every enrichment stage returns a new value rather than mutating its input.
package model

import "fmt"

// Trade represents a single trade event as produced by a trade source.
//
// ProductID and BrokerID reference entries of the lookup server's product and
// broker maps. TradeID increases monotonically per source.
type Trade struct {
	TradeID   int64 `json:"tradeId" validate:"required,gt=0"`   // Source-assigned trade identifier
	ProductID int32 `json:"productId" validate:"required,gt=0"` // Key into the product reference map
	BrokerID  int32 `json:"brokerId" validate:"required,gt=0"`  // Key into the broker reference map
}

// String renders the trade the way the logging sink prints it.
func (t Trade) String() string {
	return fmt.Sprintf("Trade{tradeId=%d, productId=%d, brokerId=%d}", t.TradeID, t.ProductID, t.BrokerID)
}

// Product is a static reference entity loaded once by the lookup server.
type Product struct {
	ID   int32
	Name string
}

// Broker has the same shape and lifecycle as Product.
type Broker struct {
	ID   int32
	Name string
}

// ProductEnriched is the intermediate (trade, productName) tuple produced by the
// first enrichment stage.
//
// Err is the error marker: when the product lookup failed it holds the cause and
// ProductName is empty.
type ProductEnriched struct {
	Trade       Trade
	ProductName string
	Err         error
}

// EnrichedRecord is the final (trade, productName, brokerName) tuple handed to sinks.
//
// Err is nil for a fully enriched record. When either lookup failed the record is
// still emitted, in order, with Err set and the names that did resolve filled in.
type EnrichedRecord struct {
	Trade       Trade
	ProductName string
	BrokerName  string
	Err         error
}

// WithBroker extends the intermediate tuple with the broker name.
func (p ProductEnriched) WithBroker(brokerName string) EnrichedRecord {
	return EnrichedRecord{
		Trade:       p.Trade,
		ProductName: p.ProductName,
		BrokerName:  brokerName,
	}
}

// Failed builds a record carrying err as its error marker.
func (p ProductEnriched) Failed(err error) EnrichedRecord {
	return EnrichedRecord{
		Trade:       p.Trade,
		ProductName: p.ProductName,
		Err:         err,
	}
}

// OK reports whether both lookups succeeded.
func (r EnrichedRecord) OK() bool {
	return r.Err == nil
}

// String renders the record as (trade, productName, brokerName).
func (r EnrichedRecord) String() string {
	return fmt.Sprintf("(%s, %s, %s)", r.Trade, r.ProductName, r.BrokerName)
}
