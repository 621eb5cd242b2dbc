package crypto

import (
	"encoding/json"
	"strconv"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tendant/tenant-idp/internal/domain"
	idperrors "github.com/tendant/tenant-idp/internal/errors"
)

// RequestObject is a verified signed request object (RFC 9101).
type RequestObject struct {
	Algorithm string
	Claims    jwt.MapClaims
}

// VerifyRequestObject verifies the signature of a request object sent by
// client. Unsigned ("none") objects are rejected. Parser options add claim
// checks such as the expected audience.
func VerifyRequestObject(raw string, client *domain.ClientConfiguration, opts ...jwt.ParserOption) (*RequestObject, error) {
	algs := append(append([]string(nil), AsymmetricAlgorithms...), HMACAlgorithms...)
	opts = append([]jwt.ParserOption{jwt.WithValidMethods(algs)}, opts...)

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, ClientKeyfunc(client), opts...)
	if err != nil {
		return nil, idperrors.ClientError(idperrors.CodeInvalidRequestObject, "request object is invalid: "+err.Error())
	}
	if cid, ok := claims["client_id"].(string); ok && cid != client.ClientID {
		return nil, idperrors.ClientError(idperrors.CodeInvalidRequestObject, "request object client_id does not match")
	}
	return &RequestObject{Algorithm: token.Method.Alg(), Claims: claims}, nil
}

// Has reports whether the object carries the claim.
func (r *RequestObject) Has(name string) bool {
	_, ok := r.Claims[name]
	return ok
}

// Params flattens the claims to request parameters. Numbers become decimal
// strings; objects and arrays stay JSON.
func (r *RequestObject) Params() map[string]string {
	out := make(map[string]string, len(r.Claims))
	for name, v := range r.Claims {
		switch val := v.(type) {
		case string:
			out[name] = val
		case float64:
			out[name] = strconv.FormatFloat(val, 'f', -1, 64)
		case json.Number:
			out[name] = val.String()
		case bool:
			out[name] = strconv.FormatBool(val)
		case nil:
		default:
			b, err := json.Marshal(val)
			if err == nil {
				out[name] = string(b)
			}
		}
	}
	return out
}
