// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ktypes defines the types of the kernel language: scalars, fixed-size vectors and matrices,
// arrays (and their views), opaque handles and tuples.
//
// Types are compared structurally with Equal, and matched against declared parameter types with Unify,
// which understands the Any wildcard.
package ktypes

import (
	"fmt"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
)

// MaxDims is the maximum number of dimensions of an array.
const MaxDims = 4

// Kind of Type.
type Kind int

const (
	KindInvalid Kind = iota
	KindScalar
	KindVector
	KindArray
	KindOpaque
	KindTuple
	KindAny
)

var kindNames = []string{"invalid", "scalar", "vector", "array", "opaque", "tuple", "any"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Type of a value in the kernel language.
type Type interface {
	Kind() Kind
	String() string
}

// ScalarType is a single number (or bool) of the given dtype.
type ScalarType struct {
	DType dtypes.DType
}

// Kind implements Type.
func (s ScalarType) Kind() Kind { return KindScalar }

// String implements Type. It returns the kernel language name of the scalar.
func (s ScalarType) String() string {
	if name, found := scalarNames[s.DType]; found {
		return name
	}
	return fmt.Sprintf("scalar(%s)", s.DType)
}

// Scalar returns the ScalarType for the given dtype.
func Scalar(dtype dtypes.DType) ScalarType {
	return ScalarType{DType: dtype}
}

var scalarNames = map[dtypes.DType]string{
	dtypes.Bool:    "bool",
	dtypes.Int8:    "int8",
	dtypes.Int16:   "int16",
	dtypes.Int32:   "int32",
	dtypes.Int64:   "int64",
	dtypes.Uint8:   "uint8",
	dtypes.Uint16:  "uint16",
	dtypes.Uint32:  "uint32",
	dtypes.Uint64:  "uint64",
	dtypes.Float16: "float16",
	dtypes.Float32: "float32",
	dtypes.Float64: "float64",
}

// Scalar types of the language.
var (
	Bool    = Scalar(dtypes.Bool)
	Int8    = Scalar(dtypes.Int8)
	Int16   = Scalar(dtypes.Int16)
	Int32   = Scalar(dtypes.Int32)
	Int64   = Scalar(dtypes.Int64)
	Uint8   = Scalar(dtypes.Uint8)
	Uint16  = Scalar(dtypes.Uint16)
	Uint32  = Scalar(dtypes.Uint32)
	Uint64  = Scalar(dtypes.Uint64)
	Float16 = Scalar(dtypes.Float16)
	Float32 = Scalar(dtypes.Float32)
	Float64 = Scalar(dtypes.Float64)

	// Int is the language's default integer.
	Int = Int32

	// Float is the language's default floating point.
	Float = Float32
)

// ScalarTypes lists the numeric scalar types that can be cast to and from each other, in declaration order.
var ScalarTypes = []ScalarType{Int8, Uint8, Int16, Uint16, Int32, Uint32, Int64, Uint64, Float16, Float32, Float64}

// VectorType is a fixed-size value type with float32 components: vectors, quaternions, matrices,
// transforms and spatial vectors/matrices.
type VectorType struct {
	name string
	dims []int
}

// Kind implements Type.
func (v *VectorType) Kind() Kind { return KindVector }

// String implements Type.
func (v *VectorType) String() string { return v.name }

// Length is the number of components.
func (v *VectorType) Length() int {
	n := 1
	for _, d := range v.dims {
		n *= d
	}
	return n
}

// Dims returns the shape of the value: one dimension for vectors, two for matrices.
func (v *VectorType) Dims() []int {
	return v.dims
}

// Elem is the type of each component.
func (v *VectorType) Elem() ScalarType { return Float32 }

// Fixed-size value types.
var (
	Vec2          = &VectorType{name: "vec2", dims: []int{2}}
	Vec3          = &VectorType{name: "vec3", dims: []int{3}}
	Vec4          = &VectorType{name: "vec4", dims: []int{4}}
	Quat          = &VectorType{name: "quat", dims: []int{4}}
	Mat22         = &VectorType{name: "mat22", dims: []int{2, 2}}
	Mat33         = &VectorType{name: "mat33", dims: []int{3, 3}}
	Mat44         = &VectorType{name: "mat44", dims: []int{4, 4}}
	Transform     = &VectorType{name: "transform", dims: []int{7}}
	SpatialVector = &VectorType{name: "spatial_vector", dims: []int{6}}
	SpatialMatrix = &VectorType{name: "spatial_matrix", dims: []int{6, 6}}
)

// VectorTypes lists all fixed-size value types.
var VectorTypes = []*VectorType{Vec2, Vec3, Vec4, Quat, Mat22, Mat33, Mat44, Transform, SpatialVector, SpatialMatrix}

// ArrayType is a typed, shaped, device resident buffer, passed to kernels by descriptor.
//
// View marks arrays produced by indexing a subset of the dimensions of another array: they share the
// layout of an array, and compare equal to arrays of the same element type and rank.
type ArrayType struct {
	Elem Type
	NDim int
	View bool
}

// Kind implements Type.
func (a *ArrayType) Kind() Kind { return KindArray }

// String implements Type.
func (a *ArrayType) String() string {
	name := "array"
	if a.View {
		name = "view"
	}
	if a.NDim == 0 {
		return fmt.Sprintf("%s(dtype=%s)", name, a.Elem)
	}
	return fmt.Sprintf("%s(dtype=%s, ndim=%d)", name, a.Elem, a.NDim)
}

// Array returns an array type. ndim of 0 is only valid in signatures, where it matches any rank.
func Array(elem Type, ndim int) *ArrayType {
	return &ArrayType{Elem: elem, NDim: ndim}
}

// ViewOf returns the type of view over an array with elem type and ndim free dimensions.
func ViewOf(elem Type, ndim int) *ArrayType {
	return &ArrayType{Elem: elem, NDim: ndim, View: true}
}

// AnyArray matches any array in a signature.
var AnyArray = Array(Any, 0)

// OpaqueType is a handle type whose layout is owned by the native runtime library, like iteration
// ranges and query states.
type OpaqueType struct {
	name string
}

// Kind implements Type.
func (o *OpaqueType) Kind() Kind { return KindOpaque }

// String implements Type.
func (o *OpaqueType) String() string { return o.name }

// Opaque handle types.
var (
	Range         = &OpaqueType{name: "range_t"}
	MeshQueryAABB = &OpaqueType{name: "mesh_query_aabb_t"}
	HashGridQuery = &OpaqueType{name: "hash_grid_query_t"}
)

// TupleType holds multiple values, returned by builtins like tid with more than one dimension.
type TupleType struct {
	Elems []Type
}

// Kind implements Type.
func (t *TupleType) Kind() Kind { return KindTuple }

// String implements Type.
func (t *TupleType) String() string {
	parts := make([]string, len(t.Elems))
	for ii, e := range t.Elems {
		parts[ii] = e.String()
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Tuple returns a TupleType.
func Tuple(elems ...Type) *TupleType {
	return &TupleType{Elems: elems}
}

type anyType struct{}

func (anyType) Kind() Kind     { return KindAny }
func (anyType) String() string { return "Any" }

// Any matches any type in a signature.
var Any Type = anyType{}

// Equal returns whether the two types are structurally equal. The View flag of arrays is ignored.
func Equal(a, b Type) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if a.Kind() != b.Kind() {
		return false
	}
	switch ta := a.(type) {
	case ScalarType:
		return ta.DType == b.(ScalarType).DType
	case *VectorType:
		return ta == b.(*VectorType)
	case *ArrayType:
		tb := b.(*ArrayType)
		return ta.NDim == tb.NDim && Equal(ta.Elem, tb.Elem)
	case *OpaqueType:
		return ta == b.(*OpaqueType)
	case *TupleType:
		tb := b.(*TupleType)
		if len(ta.Elems) != len(tb.Elems) {
			return false
		}
		for ii := range ta.Elems {
			if !Equal(ta.Elems[ii], tb.Elems[ii]) {
				return false
			}
		}
		return true
	case anyType:
		return true
	}
	return false
}

// Unify returns whether an argument of type arg can be passed to a parameter declared as param.
//
// Any matches everything, an array with Any element type matches arrays of any element type, and an
// array with NDim 0 matches arrays of any rank.
func Unify(param, arg Type) bool {
	if param == nil || arg == nil {
		return false
	}
	if param.Kind() == KindAny {
		return true
	}
	if pa, ok := param.(*ArrayType); ok {
		aa, ok := arg.(*ArrayType)
		if !ok {
			return false
		}
		if pa.NDim != 0 && pa.NDim != aa.NDim {
			return false
		}
		return Unify(pa.Elem, aa.Elem)
	}
	return Equal(param, arg)
}

// IsInteger returns whether t is an integer scalar (signed or unsigned).
func IsInteger(t Type) bool {
	s, ok := t.(ScalarType)
	if !ok {
		return false
	}
	switch s.DType {
	case dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64:
		return true
	}
	return false
}

// IsFloat returns whether t is a floating point scalar.
func IsFloat(t Type) bool {
	s, ok := t.(ScalarType)
	if !ok {
		return false
	}
	switch s.DType {
	case dtypes.Float16, dtypes.Float32, dtypes.Float64:
		return true
	}
	return false
}

// IsArray returns whether t is an array or a view.
func IsArray(t Type) bool {
	_, ok := t.(*ArrayType)
	return ok
}

// ByName returns the scalar or fixed-size value type with the given language name.
func ByName(name string) (Type, bool) {
	for dtype, scalarName := range scalarNames {
		if scalarName == name {
			return Scalar(dtype), true
		}
	}
	switch name {
	case "int":
		return Int, true
	case "float":
		return Float, true
	}
	for _, v := range VectorTypes {
		if v.name == name {
			return v, true
		}
	}
	return nil, false
}

// ValueSize returns the number of bytes of a value of type t when passed by value, or 0 if t is not
// passed by value (arrays, opaque handles, tuples).
func ValueSize(t Type) int {
	switch tt := t.(type) {
	case ScalarType:
		return tt.DType.Size()
	case *VectorType:
		return tt.Length() * tt.Elem().DType.Size()
	}
	return 0
}
