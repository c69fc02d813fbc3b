// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package builtins

import (
	"github.com/gomlx/gokernels/pkg/core/ktypes"
	"github.com/pkg/errors"
)

// arrayArg returns the array type of args[0], or an error naming the builtin op.
func arrayArg(op string, args []Arg) (*ktypes.ArrayType, error) {
	if len(args) == 0 {
		return nil, errors.Errorf("%s() requires an array as argument 0", op)
	}
	arr, ok := args[0].Type.(*ktypes.ArrayType)
	if !ok {
		return nil, errors.Errorf("%s() argument 0 must be an array, got %s", op, args[0].Type)
	}
	return arr, nil
}

func checkIndices(op string, indices []Arg) error {
	for _, idx := range indices {
		if !ktypes.IsInteger(idx.Type) {
			return errors.Errorf("%s() index arguments must be of integer type, got index of type %s", op, idx.Type)
		}
	}
	return nil
}

// ResolveLoad is the resolver of load(array, indices...): the number of indices must equal the number of
// dimensions of the array, and the result is the array element type.
func ResolveLoad(args []Arg) (ktypes.Type, error) {
	arr, err := arrayArg("load", args)
	if err != nil {
		return nil, err
	}
	numIndices := len(args) - 1
	if numIndices < arr.NDim {
		return nil, errors.Errorf("num indices < num dimensions for array load, received %d, but array has %d "+
			"dimensions: a view should have been generated instead", numIndices, arr.NDim)
	}
	if numIndices > arr.NDim {
		return nil, errors.Errorf("num indices > num dimensions for array load, received %d, but array only has %d",
			numIndices, arr.NDim)
	}
	if err := checkIndices("load", args[1:]); err != nil {
		return nil, err
	}
	return arr.Elem, nil
}

// ResolveView is the resolver of view(array, indices...): the number of indices must be strictly less than
// the number of dimensions, and the result is a view with the remaining dimensions.
func ResolveView(args []Arg) (ktypes.Type, error) {
	arr, err := arrayArg("view", args)
	if err != nil {
		return nil, err
	}
	numIndices := len(args) - 1
	if numIndices >= arr.NDim {
		return nil, errors.Errorf("trying to create an array view with %d indices, but array only has %d dimensions",
			numIndices, arr.NDim)
	}
	if err := checkIndices("view", args[1:]); err != nil {
		return nil, err
	}
	return ktypes.ViewOf(arr.Elem, arr.NDim-numIndices), nil
}

// resolveWrite validates the arguments of store and the atomic operations: (array, indices..., value).
func resolveWrite(op string, args []Arg) (*ktypes.ArrayType, error) {
	arr, err := arrayArg(op, args)
	if err != nil {
		return nil, err
	}
	if len(args) < 2 {
		return nil, errors.Errorf("%s() requires a value argument", op)
	}
	numIndices := len(args) - 2
	if numIndices < arr.NDim {
		return nil, errors.Errorf("num indices < num dimensions for %s(), received %d, but array has %d",
			op, numIndices, arr.NDim)
	}
	if numIndices > arr.NDim {
		return nil, errors.Errorf("num indices > num dimensions for %s(), received %d, but array only has %d",
			op, numIndices, arr.NDim)
	}
	if err := checkIndices(op, args[1:len(args)-1]); err != nil {
		return nil, err
	}
	value := args[len(args)-1]
	if !ktypes.Equal(value.Type, arr.Elem) {
		return nil, errors.Errorf("%s() value argument type (%s) must be of the same type as the array (%s)",
			op, value.Type, arr.Elem)
	}
	return arr, nil
}

// ResolveStore is the resolver of store(array, indices..., value). It returns no value.
func ResolveStore(args []Arg) (ktypes.Type, error) {
	_, err := resolveWrite("store", args)
	return nil, err
}

// ResolveAtomic returns the resolver of an atomic operation op(array, indices..., value), which returns the
// previous value, with the array element type.
func ResolveAtomic(op string) ResolverFn {
	return func(args []Arg) (ktypes.Type, error) {
		arr, err := resolveWrite(op, args)
		if err != nil {
			return nil, err
		}
		return arr.Elem, nil
	}
}

// ResolveSelect is the resolver of select(cond, arg1, arg2): the result has the type of arg1.
func ResolveSelect(args []Arg) (ktypes.Type, error) {
	if len(args) != 3 {
		return nil, errors.Errorf("select() takes 3 arguments, got %d", len(args))
	}
	return args[1].Type, nil
}

// ResolveCopy is the resolver of copy(value): the result has the type of its single argument.
func ResolveCopy(args []Arg) (ktypes.Type, error) {
	if len(args) != 1 {
		return nil, errors.Errorf("copy() takes 1 argument, got %d", len(args))
	}
	return args[0].Type, nil
}
