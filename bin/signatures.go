package bin

import (
	"github.com/mewkiz/pkg/jsonutil"
	"github.com/pkg/errors"
)

// Signature is the calling convention summary of an external library
// routine, used to marshal arguments and return values across the native
// call boundary.
type Signature struct {
	// Routine name.
	Name string `json:"name"`
	// Reports whether the routine returns a floating-point value.
	FloatReturn bool `json:"float"`
	// Size of the return value in bytes; 0 for void.
	RetSize uint `json:"ret"`
	// Sizes of the arguments in bytes, in call order.
	ArgSizes []uint `json:"args"`
}

// Signatures maps from routine name to signature.
type Signatures map[string]*Signature

// ParseSignaturesFile parses the given JSON library-call signature table.
func ParseSignaturesFile(jsonPath string) (Signatures, error) {
	var list []*Signature
	if err := jsonutil.ParseFile(jsonPath, &list); err != nil {
		return nil, errors.WithStack(err)
	}
	sigs := make(Signatures)
	for _, sig := range list {
		if len(sig.Name) == 0 {
			return nil, errors.Errorf("invalid signature in %q; missing routine name", jsonPath)
		}
		if _, ok := sigs[sig.Name]; ok {
			return nil, errors.Errorf("duplicate signature of %q in %q", sig.Name, jsonPath)
		}
		sigs[sig.Name] = sig
	}
	return sigs, nil
}
