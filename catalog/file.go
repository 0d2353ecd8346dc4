package catalog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/mark3labs/x402-gateway"
)

// File is the YAML form of a catalog:
//
//	routes:
//	  - route: GET /weather
//	    description: Current weather
//	    accepts:
//	      - scheme: exact
//	        network: base-sepolia
//	        payTo: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
//	        price: "0.05"
//	      - scheme: native
//	        network: base-sepolia
//	        payTo: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C"
//	        amount: "20000000000000"
//	        confirmations: 2
type File struct {
	Routes []RouteSpec `yaml:"routes" validate:"required,min=1,dive"`
}

// RouteSpec is one priced route.
type RouteSpec struct {
	Route       string      `yaml:"route" validate:"required"`
	Description string      `yaml:"description"`
	MimeType    string      `yaml:"mimeType"`
	Accepts     []PriceSpec `yaml:"accepts" validate:"required,min=1,dive"`
}

// PriceSpec is one accepted way to pay for a route. Exactly one of Amount (atomic units)
// and Price (whole tokens) is set. Asset defaults to the chain's USDC for "exact".
type PriceSpec struct {
	Scheme            string `yaml:"scheme" validate:"required,oneof=exact native"`
	Network           string `yaml:"network" validate:"required"`
	Asset             string `yaml:"asset" validate:"omitempty,eth_addr"`
	PayTo             string `yaml:"payTo" validate:"required,eth_addr"`
	Amount            string `yaml:"amount" validate:"required_without=Price,excluded_with=Price"`
	Price             string `yaml:"price" validate:"required_without=Amount,excluded_with=Amount"`
	Decimals          *uint8 `yaml:"decimals"`
	MaxTimeoutSeconds int    `yaml:"maxTimeoutSeconds" validate:"gte=0"`
	Name              string `yaml:"name"`
	Version           string `yaml:"version"`
	Confirmations     uint64 `yaml:"confirmations"`
}

var validate = validator.New()

// Requirement converts the spec into a requirement template.
func (p PriceSpec) Requirement(description, mimeType string) (x402.PaymentRequirement, error) {
	chain, err := x402.LookupChain(p.Network)
	if err != nil {
		return x402.PaymentRequirement{}, err
	}

	req := x402.PaymentRequirement{
		Scheme:            p.Scheme,
		Network:           p.Network,
		Asset:             p.Asset,
		PayTo:             p.PayTo,
		Description:       description,
		MimeType:          mimeType,
		MaxTimeoutSeconds: p.MaxTimeoutSeconds,
	}
	if req.MimeType == "" {
		req.MimeType = "application/json"
	}
	if req.MaxTimeoutSeconds == 0 {
		req.MaxTimeoutSeconds = 60
	}

	var decimals uint8
	switch p.Scheme {
	case x402.SchemeExact:
		if req.Asset == "" {
			req.Asset = chain.USDCAddress
		}
		decimals = chain.Decimals
		name, version := p.Name, p.Version
		if strings.EqualFold(req.Asset, chain.USDCAddress) {
			if name == "" {
				name = chain.EIP3009Name
			}
			if version == "" {
				version = chain.EIP3009Version
			}
		}
		req.Extra = map[string]interface{}{"name": name, "version": version}
	case x402.SchemeNative:
		req.Asset = x402.NativeAsset
		decimals = chain.NativeDecimals
		confirmations := p.Confirmations
		if confirmations == 0 {
			confirmations = 1
		}
		req.Extra = map[string]interface{}{"confirmations": confirmations}
	}
	if p.Decimals != nil {
		decimals = *p.Decimals
	}

	amount, err := atomicAmount(p.Amount, p.Price, decimals)
	if err != nil {
		return x402.PaymentRequirement{}, err
	}
	req.MaxAmountRequired = amount
	return req, nil
}

func atomicAmount(amount, price string, decimals uint8) (string, error) {
	if amount != "" {
		d, err := decimal.NewFromString(amount)
		if err != nil || !d.IsInteger() {
			return "", fmt.Errorf("amount %q must be an integer number of atomic units", amount)
		}
		if !d.IsPositive() {
			return "", fmt.Errorf("amount %q must be positive", amount)
		}
		return d.BigInt().String(), nil
	}

	v, err := x402.AmountToBigInt(price, int(decimals))
	if err != nil {
		return "", fmt.Errorf("price %q cannot be expressed in %d decimals: %w", price, decimals, err)
	}
	if v.Sign() <= 0 {
		return "", fmt.Errorf("price %q must be positive", price)
	}
	return v.String(), nil
}

// Build validates f and converts it into a Catalog.
func (f File) Build() (*Catalog, error) {
	if err := validate.Struct(f); err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}

	c := &Catalog{}
	for _, rs := range f.Routes {
		route := Route{Pattern: rs.Route}
		for i, ps := range rs.Accepts {
			req, err := ps.Requirement(rs.Description, rs.MimeType)
			if err != nil {
				return nil, fmt.Errorf("catalog: route %q accepts[%d]: %w", rs.Route, i, err)
			}
			route.Requirements = append(route.Requirements, req)
		}
		if err := c.Add(route); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Load reads a YAML catalog. Unknown keys are rejected.
func Load(r io.Reader) (*Catalog, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("catalog: read: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}
	return f.Build()
}

// LoadFile reads a YAML catalog from path.
func LoadFile(path string) (*Catalog, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	defer fh.Close()
	return Load(fh)
}
