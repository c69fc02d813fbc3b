// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package runtime

import (
	"context"
	"math"
	"reflect"
	"slices"

	"github.com/gomlx/gokernels/backends"
	"github.com/gomlx/gokernels/pkg/core/abi"
	"github.com/gomlx/gokernels/pkg/core/arrays"
	"github.com/gomlx/gokernels/pkg/core/codegen"
	"github.com/gomlx/gokernels/pkg/core/kernels"
	"github.com/gomlx/gokernels/pkg/core/kerrors"
	"github.com/gomlx/gokernels/pkg/core/ktypes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// LaunchOption configures a Launch.
type LaunchOption func(opts *launchOptions)

type launchOptions struct {
	ctx                   context.Context
	adjoint               bool
	adjInputs, adjOutputs []any
	scope                 *RecordingScope
}

// Adjoint makes the launch run the backward entry point of the kernel, with the adjoints of the inputs and
// outputs appended after the forward arguments. Adjoint launches are never recorded.
func Adjoint(adjInputs, adjOutputs []any) LaunchOption {
	return func(opts *launchOptions) {
		opts.adjoint = true
		opts.adjInputs = adjInputs
		opts.adjOutputs = adjOutputs
	}
}

// RecordTo records the launch into scope, instead of the runtime's open scope.
func RecordTo(scope *RecordingScope) LaunchOption {
	return func(opts *launchOptions) {
		opts.scope = scope
	}
}

// WithContext sets the context used if the launch needs to build the kernel's module.
func WithContext(ctx context.Context) LaunchOption {
	return func(opts *launchOptions) {
		opts.ctx = ctx
	}
}

// Launch runs the kernel over a grid of threads with extents dim (1 to 4 dimensions) on the device.
//
// The inputs followed by the outputs must match the kernel parameters in number and, one by one, in type:
//   - array parameters take an *arrays.Array with the same element type, number of dimensions and device,
//     or nil;
//   - fixed-size vector and matrix parameters take a flat or nested slice (or Go array) of numbers with
//     exactly the number of components of the type;
//   - scalar parameters take any Go number (or bool) representable in the parameter type.
//
// Every argument is validated before anything is dispatched. The kernel's module is loaded (built if
// needed) on first use; if its build failed before, the launch is skipped and Launch returns nil.
//
// Launches on "cpu" return once all threads finished, launches on "cuda" are asynchronous.
func (rt *Runtime) Launch(k *kernels.Kernel, dim []int, inputs, outputs []any, device string, options ...LaunchOption) error {
	if k == nil {
		return errors.New("Error launching kernel, nil kernel")
	}
	opts := launchOptions{ctx: context.Background()}
	for _, option := range options {
		option(&opts)
	}
	d, err := rt.deviceFor(k.Key(), device)
	if err != nil {
		return errors.WithMessagef(err, "Error launching kernel '%s'", k.Key())
	}
	if rt.cfg.PrintLaunches {
		klog.Infof("kernel: %s dim: %v inputs: %v outputs: %v device: %s", k.Key(), dim, inputs, outputs, device)
	}

	if err := rt.loadModule(opts.ctx, k); err != nil {
		if errors.Is(err, kernels.ErrBuildFailed) {
			klog.V(2).Infof("skipping launch of kernel %q: %v", k.Key(), err)
			return nil
		}
		return err
	}

	bounds, err := abi.NewLaunchBounds(dim...)
	if err != nil {
		return kerrors.Wrap(kerrors.Launch, k.Key(), err, "Error launching kernel '%s'", k.Key())
	}
	if bounds.Size > 0 {
		if err := rt.dispatch(d, k, bounds, inputs, outputs, &opts); err != nil {
			return err
		}
	}

	if !opts.adjoint {
		scope := opts.scope
		if scope == nil {
			scope = rt.ActiveScope()
		}
		if scope != nil {
			scope.record(LaunchRecord{
				Kernel:  k,
				Dim:     slices.Clone(dim),
				Inputs:  slices.Clone(inputs),
				Outputs: slices.Clone(outputs),
				Device:  device,
			})
		}
	}
	return nil
}

// dispatch packs the arguments, resolves the entry point and launches it.
func (rt *Runtime) dispatch(d *device, k *kernels.Kernel, bounds abi.LaunchBounds, inputs, outputs []any, opts *launchOptions) error {
	numParams := k.NumParams()
	args := append(slices.Clone(inputs), outputs...)
	if len(args) != numParams {
		return kerrors.Launchf(k.Key(), "Error launching kernel '%s', passed %d arguments but kernel requires %d.",
			k.Key(), len(args), numParams)
	}
	pass := codegen.Forward
	capacity := 1 + numParams
	var adjArgs []any
	if opts.adjoint {
		pass = codegen.Backward
		adjArgs = append(slices.Clone(opts.adjInputs), opts.adjOutputs...)
		if len(adjArgs) != numParams {
			return kerrors.Launchf(k.Key(), "Error launching kernel '%s', passed %d adjoint arguments but kernel requires %d.",
				k.Key(), len(adjArgs), numParams)
		}
		capacity += numParams
	}

	params := abi.NewParamBlock(capacity)
	params.PutBounds(bounds)
	descriptors := k.Descriptors()
	for _, list := range [][]any{args, adjArgs} {
		for ii, arg := range list {
			if err := packArg(params, k, descriptors[ii], arg, d.token); err != nil {
				return err
			}
		}
	}

	entry, err := k.Entry(d.token, pass)
	if err != nil {
		return kerrors.Wrap(kerrors.Load, k.Key(), err, "Error launching kernel '%s'", k.Key())
	}
	klog.V(2).Infof("launching %s (%s) on %q over %v threads", k.Key(), pass, d.token, bounds.Size)
	if err := d.backend.Launch(entry, bounds, params); err != nil {
		return kerrors.Wrap(kerrors.Device, k.Key(), err, "Error launching kernel '%s' on device %q", k.Key(), d.token)
	}
	if rt.cfg.VerifyDevice && d.token == CUDA {
		if verifier, ok := d.backend.(backends.Verifier); ok {
			if err := verifier.VerifyDevice(); err != nil {
				return kerrors.Wrap(kerrors.Device, k.Key(), err, "Error launching kernel '%s' on device %q", k.Key(), d.token)
			}
		}
	}
	return nil
}

// packArg validates arg against the parameter descriptor and appends it to the parameter block.
func packArg(params *abi.ParamBlock, k *kernels.Kernel, desc kernels.ParamDescriptor, arg any, device string) error {
	switch desc.Kind {
	case kernels.ArrayParam:
		if arg == nil {
			params.PutArray(abi.ArrayDescriptor{})
			return nil
		}
		a, ok := arg.(*arrays.Array)
		if !ok {
			return kerrors.NewParam(kerrors.Launch, k.Key(), desc.Name,
				"Error launching kernel '%s', argument '%s' expects an array, but passed value has type %T.",
				k.Key(), desc.Name, arg)
		}
		if a == nil {
			params.PutArray(abi.ArrayDescriptor{})
			return nil
		}
		if !ktypes.Equal(a.Elem(), desc.Elem) {
			return kerrors.NewParam(kerrors.Launch, k.Key(), desc.Name,
				"Error launching kernel '%s', argument '%s' expects an array with dtype=%s but passed array has dtype=%s.",
				k.Key(), desc.Name, desc.Elem, a.Elem())
		}
		if a.NDim() != desc.NDim {
			return kerrors.NewParam(kerrors.Launch, k.Key(), desc.Name,
				"Error launching kernel '%s', argument '%s' expects an array with dimensions %d but the passed array has dimensions %d.",
				k.Key(), desc.Name, desc.NDim, a.NDim())
		}
		if a.Device() != device {
			return kerrors.NewParam(kerrors.Launch, k.Key(), desc.Name,
				"Error launching kernel '%s', trying to launch on device='%s', but input array for argument '%s' is on device=%s.",
				k.Key(), device, desc.Name, a.Device())
		}
		if a.IsReleased() {
			return kerrors.NewParam(kerrors.Launch, k.Key(), desc.Name,
				"Error launching kernel '%s', argument '%s' was already released.", k.Key(), desc.Name)
		}
		params.PutArray(a.Descriptor())

	case kernels.VectorParam:
		values, err := flattenFloat32(arg)
		if err != nil {
			return kerrors.NewParam(kerrors.Launch, k.Key(), desc.Name,
				"Error launching kernel, unable to pack kernel parameter type %T for param %s, expected %s: %v",
				arg, desc.Name, desc, err)
		}
		if len(values) != desc.Length {
			return kerrors.NewParam(kerrors.Launch, k.Key(), desc.Name,
				"Error launching kernel '%s', parameter for argument '%s' has length %d, but expected %d. Could not convert parameter to %s.",
				k.Key(), desc.Name, len(values), desc.Length, desc)
		}
		params.PutValue(abi.EncodeFloat32s(values))

	case kernels.ScalarParam:
		value, err := coerceScalar(arg, desc.DType)
		if err == nil {
			var raw []byte
			raw, err = abi.EncodeScalar(desc.DType, value)
			if err == nil {
				params.PutValue(raw)
				return nil
			}
		}
		return kerrors.NewParam(kerrors.Launch, k.Key(), desc.Name,
			"Error launching kernel, unable to pack kernel parameter type %T for param %s, expected %s",
			arg, desc.Name, desc)

	default:
		return kerrors.NewParam(kerrors.Launch, k.Key(), desc.Name, "invalid parameter descriptor %s", desc.Kind)
	}
	return nil
}

var float16Type = reflect.TypeOf(float16.Float16(0))

// flattenFloat32 converts a (possibly nested) slice or Go array of numbers to a flat list of float32.
func flattenFloat32(arg any) ([]float32, error) {
	switch v := arg.(type) {
	case []float32:
		return v, nil
	case nil:
		return nil, errors.New("nil value")
	}
	rv := reflect.ValueOf(arg)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, errors.Errorf("%T is not a sequence of numbers", arg)
	}
	var values []float32
	var walk func(v reflect.Value) error
	walk = func(v reflect.Value) error {
		if v.Type() == float16Type {
			values = append(values, float16.Float16(v.Uint()).Float32())
			return nil
		}
		switch v.Kind() {
		case reflect.Slice, reflect.Array:
			for ii := range v.Len() {
				if err := walk(v.Index(ii)); err != nil {
					return err
				}
			}
		case reflect.Float32, reflect.Float64:
			values = append(values, float32(v.Float()))
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			values = append(values, float32(v.Int()))
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			values = append(values, float32(v.Uint()))
		case reflect.Interface, reflect.Pointer:
			if v.IsNil() {
				return errors.New("nil element")
			}
			return walk(v.Elem())
		default:
			return errors.Errorf("element of type %s is not a number", v.Type())
		}
		return nil
	}
	if err := walk(rv); err != nil {
		return nil, err
	}
	return values, nil
}

// coerceScalar converts a Go number or bool to the Go type of dtype, failing if it is not representable.
// Floating point values are not converted to integers.
func coerceScalar(arg any, dtype dtypes.DType) (any, error) {
	if arg == nil {
		return nil, errors.New("nil value")
	}
	rv := reflect.ValueOf(arg)
	var (
		isFloat, isSigned bool
		f                 float64
		i                 int64
		u                 uint64
	)
	switch {
	case rv.Type() == float16Type:
		isFloat, f = true, float64(arg.(float16.Float16).Float32())
	case rv.Kind() == reflect.Bool:
		if rv.Bool() {
			u = 1
		}
		i, f = int64(u), float64(u)
	case rv.CanInt():
		isSigned, i = true, rv.Int()
		f = float64(i)
	case rv.CanUint():
		u = rv.Uint()
		f = float64(u)
	case rv.CanFloat():
		isFloat, f = true, rv.Float()
	default:
		return nil, errors.Errorf("%T is not a number", arg)
	}

	// signedInRange and unsignedInRange check integer values against the limits of the target.
	signedInRange := func(minValue, maxValue int64) bool {
		if isSigned {
			return i >= minValue && i <= maxValue
		}
		return u <= uint64(maxValue)
	}
	unsignedInRange := func(maxValue uint64) bool {
		if isSigned {
			return i >= 0 && uint64(i) <= maxValue
		}
		return u <= maxValue
	}
	asSigned := func() int64 {
		if isSigned {
			return i
		}
		return int64(u)
	}
	asUnsigned := func() uint64 {
		if isSigned {
			return uint64(i)
		}
		return u
	}

	switch dtype {
	case dtypes.Float16:
		return float16.Fromfloat32(float32(f)), nil
	case dtypes.Float32:
		return float32(f), nil
	case dtypes.Float64:
		return f, nil
	}
	if isFloat {
		return nil, errors.Errorf("can't convert floating point value %v to %s", f, dtype)
	}
	var ok bool
	switch dtype {
	case dtypes.Bool:
		return asUnsigned() != 0 || asSigned() != 0, nil
	case dtypes.Int8:
		if ok = signedInRange(math.MinInt8, math.MaxInt8); ok {
			return int8(asSigned()), nil
		}
	case dtypes.Int16:
		if ok = signedInRange(math.MinInt16, math.MaxInt16); ok {
			return int16(asSigned()), nil
		}
	case dtypes.Int32:
		if ok = signedInRange(math.MinInt32, math.MaxInt32); ok {
			return int32(asSigned()), nil
		}
	case dtypes.Int64:
		if ok = signedInRange(math.MinInt64, math.MaxInt64); ok {
			return asSigned(), nil
		}
	case dtypes.Uint8:
		if ok = unsignedInRange(math.MaxUint8); ok {
			return uint8(asUnsigned()), nil
		}
	case dtypes.Uint16:
		if ok = unsignedInRange(math.MaxUint16); ok {
			return uint16(asUnsigned()), nil
		}
	case dtypes.Uint32:
		if ok = unsignedInRange(math.MaxUint32); ok {
			return uint32(asUnsigned()), nil
		}
	case dtypes.Uint64:
		if ok = unsignedInRange(math.MaxUint64); ok {
			return asUnsigned(), nil
		}
	default:
		return nil, errors.Errorf("unsupported scalar type %s", dtype)
	}
	return nil, errors.Errorf("value %v out of range for %s", arg, dtype)
}
