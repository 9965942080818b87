// Package lookup defines the wire contract of the reference-data lookup services.
//
// Two services are exposed by the lookup server:
//
//	service ProductService {
//	  rpc ProductInfo (ProductInfoRequest) returns (ProductInfoReply);
//	}
//	service BrokerService {
//	  rpc BrokerInfo (stream BrokerInfoRequest) returns (stream BrokerInfoReply);
//	}
//
// BrokerInfo multiplexes many lookups over one stream. Replies may be written in any
// order, so every request carries a client-generated correlation id which the server
// echoes in the matching reply.
//
// Messages are plain structs carried by the JSON codec registered in codec.go; the
// service descriptors in lookup_grpc.go follow the layout protoc-gen-go-grpc emits.
package lookup

// ProductInfoRequest asks for the name of one product.
type ProductInfoRequest struct {
	Id int32 `json:"id"`
}

func (x *ProductInfoRequest) GetId() int32 {
	if x != nil {
		return x.Id
	}
	return 0
}

// ProductInfoReply carries the resolved product name.
type ProductInfoReply struct {
	ProductName string `json:"productName"`
}

func (x *ProductInfoReply) GetProductName() string {
	if x != nil {
		return x.ProductName
	}
	return ""
}

// BrokerInfoRequest asks for the name of one broker on the shared stream.
type BrokerInfoRequest struct {
	CorrelationId uint64 `json:"correlationId"`
	Id            int32  `json:"id"`
}

func (x *BrokerInfoRequest) GetCorrelationId() uint64 {
	if x != nil {
		return x.CorrelationId
	}
	return 0
}

func (x *BrokerInfoRequest) GetId() int32 {
	if x != nil {
		return x.Id
	}
	return 0
}

// BrokerInfoReply answers the request with the same CorrelationId.
// NotFound is set when the broker id is absent from the server's map.
type BrokerInfoReply struct {
	CorrelationId uint64 `json:"correlationId"`
	BrokerName    string `json:"brokerName,omitempty"`
	NotFound      bool   `json:"notFound,omitempty"`
}

func (x *BrokerInfoReply) GetCorrelationId() uint64 {
	if x != nil {
		return x.CorrelationId
	}
	return 0
}

func (x *BrokerInfoReply) GetBrokerName() string {
	if x != nil {
		return x.BrokerName
	}
	return ""
}

func (x *BrokerInfoReply) GetNotFound() bool {
	if x != nil {
		return x.NotFound
	}
	return false
}
