// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package builtins

import (
	"fmt"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gokernels/pkg/core/ktypes"
)

// Documentation groups.
const (
	GroupScalarMath      = "Scalar Math"
	GroupVectorMath      = "Vector Math"
	GroupQuaternionMath  = "Quaternion Math"
	GroupTransformations = "Transformations"
	GroupSpatialMath     = "Spatial Math"
	GroupGeometry        = "Geometry"
	GroupVolumes         = "Volumes"
	GroupRandom          = "Random"
	GroupUtility         = "Utility"
	GroupOperators       = "Operators"
)

// def defines an overload with the params given as alternating name and type values.
func (r *Registry) def(key, group string, result Type, params ...any) *Overload {
	if len(params)%2 != 0 {
		exceptions.Panicf("builtin %q: params must be given as name/type pairs, got %d values", key, len(params))
	}
	o := r.Define(key).Group(group).Returns(result)
	for ii := 0; ii < len(params); ii += 2 {
		o.In(params[ii].(string), params[ii+1].(Type))
	}
	return o
}

// Standard returns a new registry with all the builtins of the kernel language.
func Standard() *Registry {
	r := NewRegistry()
	defineScalarMath(r)
	defineVectorMath(r)
	defineQuaternionMath(r)
	defineTransformations(r)
	defineSpatialMath(r)
	defineLinearAlgebra(r)
	defineGeometry(r)
	defineVolumes(r)
	defineRandom(r)
	defineUtility(r)
	defineArrayAccess(r)
	defineOperators(r)
	return r
}

func defineScalarMath(r *Registry) {
	for _, t := range []Type{Int, Float} {
		name := "integers"
		if t == Float {
			name = "floats"
		}
		r.def("min", GroupScalarMath, t, "x", t, "y", t).Doc("Return the minimum of two " + name + ".")
		r.def("max", GroupScalarMath, t, "x", t, "y", t).Doc("Return the maximum of two " + name + ".")
	}
	for _, t := range []Type{Int, Float} {
		r.def("clamp", GroupScalarMath, t, "x", t, "a", t, "b", t).Doc("Clamp the value of x to the range [a, b].")
	}
	for _, t := range []Type{Int, Float} {
		r.def("abs", GroupScalarMath, t, "x", t).Doc("Return the absolute value of x.")
	}
	r.def("sign", GroupScalarMath, Int, "x", Int).Doc("Return -1 if x < 0, return 1 otherwise.")
	r.def("sign", GroupScalarMath, Float, "x", Float).Doc("Return -1.0 if x < 0.0, return 1.0 otherwise.")
	r.def("step", GroupScalarMath, Float, "x", Float).Doc("Return 1.0 if x < 0.0, return 0.0 otherwise.")
	r.def("nonzero", GroupScalarMath, Float, "x", Float).Doc("Return 1.0 if x is not equal to zero, return 0.0 otherwise.")

	unary := []struct{ key, doc string }{
		{"sin", "Return the sine of x in radians."},
		{"cos", "Return the cosine of x in radians."},
		{"acos", "Return arccos of x in radians. Inputs are automatically clamped to [-1.0, 1.0]."},
		{"asin", "Return arcsin of x in radians. Inputs are automatically clamped to [-1.0, 1.0]."},
		{"sqrt", "Return the sqrt of x, where x is positive."},
		{"tan", "Return tangent of x in radians."},
		{"atan", "Return arctan of x."},
		{"sinh", "Return the sinh of x."},
		{"cosh", "Return the cosh of x."},
		{"tanh", "Return the tanh of x."},
		{"log", "Return the natural log (base-e) of x, where x is positive."},
		{"exp", "Return base-e exponential, e^x."},
		{"round", "Calculate the nearest integer value, rounding halfway cases away from zero."},
		{"rint", "Calculate the nearest integer value, rounding halfway cases to nearest even integer."},
		{"trunc", "Calculate the nearest integer that is closer to zero than x."},
		{"floor", "Calculate the largest integer that is less than or equal to x."},
		{"ceil", "Calculate the smallest integer that is greater than or equal to x."},
	}
	for _, u := range unary {
		r.def(u.key, GroupScalarMath, Float, "x", Float).Doc(u.doc)
	}
	r.def("atan2", GroupScalarMath, Float, "y", Float, "x", Float).Doc("Return atan2 of x.")
	r.def("pow", GroupScalarMath, Float, "x", Float, "y", Float).Doc("Return the result of x raised to power of y.")

	// Casts between scalar types.
	for _, t := range ScalarTypes {
		r.def("int", GroupScalarMath, Int, "x", t).Hidden().
			Doc("Construct a 32-bit signed integer variable, larger precision types will be truncated.")
		r.def("float", GroupScalarMath, Float, "x", t).Hidden().
			Doc("Construct a 32-bit floating point variable, larger precision types will be truncated.")
		r.def(t.String(), GroupScalarMath, t, "x", Int).Hidden()
		r.def(t.String(), GroupScalarMath, t, "x", Float).Hidden()
	}
}

func defineVectorMath(r *Registry) {
	vecs := []*VectorType{Vec2, Vec3, Vec4}
	for _, v := range []*VectorType{Vec2, Vec3, Vec4, Quat} {
		r.def("dot", GroupVectorMath, Float, "x", v, "y", v).Doc("Compute the dot product between two vectors.")
	}
	r.def("outer", GroupVectorMath, Mat22, "x", Vec2, "y", Vec2).Doc("Compute the outer product x*y^T for two vec2 objects.")
	r.def("outer", GroupVectorMath, Mat33, "x", Vec3, "y", Vec3).Doc("Compute the outer product x*y^T for two vec3 objects.")
	r.def("cross", GroupVectorMath, Vec3, "x", Vec3, "y", Vec3).Doc("Compute the cross product of two 3d vectors.")
	r.def("skew", GroupVectorMath, Mat33, "x", Vec3).Doc("Compute the skew symmetric matrix for a 3d vector.")
	for _, v := range vecs {
		r.def("length", GroupVectorMath, Float, "x", v).Doc("Compute the length of a vector.")
	}
	for _, v := range []*VectorType{Vec2, Vec3, Vec4, Quat} {
		r.def("normalize", GroupVectorMath, v, "x", v).
			Doc("Compute the normalized value of x, if length(x) is 0 then the zero vector is returned.")
	}
	for _, m := range []*VectorType{Mat22, Mat33, Mat44, SpatialMatrix} {
		r.def("transpose", GroupVectorMath, m, "m", m).Doc("Return the transpose of the matrix m.")
	}
	for _, m := range []*VectorType{Mat22, Mat33, Mat44} {
		r.def("inverse", GroupVectorMath, m, "m", m).Doc("Return the inverse of the matrix m.")
	}
	for _, m := range []*VectorType{Mat22, Mat33, Mat44} {
		r.def("determinant", GroupVectorMath, Float, "m", m).Doc("Return the determinant of the matrix m.")
	}
	diagonals := map[*VectorType]*VectorType{Vec2: Mat22, Vec3: Mat33, Vec4: Mat44}
	for _, v := range vecs {
		r.def("diag", GroupVectorMath, diagonals[v], "d", v).
			Doc("Returns a matrix with the components of the vector d on the diagonal.")
	}
	for _, v := range vecs {
		r.def("cw_mul", GroupVectorMath, v, "x", v, "y", v).Doc("Component wise multiply of two vectors.")
	}
	for _, v := range vecs {
		r.def("cw_div", GroupVectorMath, v, "x", v, "y", v).
			Doc("Component wise division of two vectors.")
	}

	// Constructors.
	names := []string{"x", "y", "z", "w"}
	for ii, v := range vecs {
		dim := ii + 2
		r.def(v.String(), GroupVectorMath, v).Doc(fmt.Sprintf("Construct a zero-initialized %dd vector.", dim))
		o := r.def(v.String(), GroupVectorMath, v).
			Doc(fmt.Sprintf("Construct a %dd vector with components %v.", dim, names[:dim]))
		for _, name := range names[:dim] {
			o.In(name, Float)
		}
		r.def(v.String(), GroupVectorMath, v, "s", Float).
			Doc(fmt.Sprintf("Construct a %dd vector with all components set to s.", dim))
	}
	for ii, m := range []*VectorType{Mat22, Mat33, Mat44} {
		dim := ii + 2
		col := vecs[ii]
		o := r.def(m.String(), GroupVectorMath, m).
			Doc(fmt.Sprintf("Construct a %dx%d matrix from column vectors.", dim, dim))
		for c := range dim {
			o.In(fmt.Sprintf("c%d", c), col)
		}
		o = r.def(m.String(), GroupVectorMath, m).Doc(fmt.Sprintf("Construct a %dx%d matrix from components.", dim, dim))
		for row := range dim {
			for c := range dim {
				o.In(fmt.Sprintf("m%d%d", row, c), Float)
			}
		}
	}
	r.def("mat44", GroupVectorMath, Mat44, "pos", Vec3, "rot", Quat, "scale", Vec3).
		Doc("Construct a 4x4 transformation matrix that applies the transformations as Translation(pos)*Rotation(rot)*Scale(scale) when applied to column vectors.")
	r.def("svd3", GroupVectorMath, nil, "A", Mat33, "U", Mat33, "sigma", Vec3, "V", Mat33).
		Doc("Compute the SVD of a 3x3 matrix. The singular values are returned in sigma, while the left and right basis vectors are returned in U and V.")
	r.def("transform_point", GroupVectorMath, Vec3, "m", Mat44, "p", Vec3).
		Doc("Apply the transform to a point p treating the homogenous coordinate as w=1, with p as a column vector.")
	r.def("transform_vector", GroupVectorMath, Vec3, "m", Mat44, "v", Vec3).
		Doc("Apply the transform to a vector v treating the homogenous coordinate as w=0, with v as a column vector.")
}

func defineQuaternionMath(r *Registry) {
	g := GroupQuaternionMath
	r.def("quat", g, Quat).Doc("Construct a zero-initialized quaternion, laid out as [ix, iy, iz, r].")
	r.def("quat", g, Quat, "x", Float, "y", Float, "z", Float, "w", Float).
		Doc("Construct a quaternion from its components x, y, z are the imaginary parts, w is the real part.")
	r.def("quat", g, Quat, "i", Vec3, "r", Float).
		Doc("Construct a quaternion from its imaginary components i, and real part r.")
	r.def("quat_identity", g, Quat).Doc("Construct an identity quaternion with zero imaginary part and real part of 1.0.")
	r.def("quat_from_axis_angle", g, Quat, "axis", Vec3, "angle", Float).
		Doc("Construct a quaternion representing a rotation of angle radians around the given axis.")
	r.def("quat_from_matrix", g, Quat, "m", Mat33).Doc("Construct a quaternion from a 3x3 matrix.")
	r.def("quat_inverse", g, Quat, "q", Quat).Doc("Compute quaternion conjugate.")
	r.def("quat_rotate", g, Vec3, "q", Quat, "p", Vec3).Doc("Rotate a vector by a quaternion.")
	r.def("quat_rotate_inv", g, Vec3, "q", Quat, "p", Vec3).Doc("Rotate a vector the inverse of a quaternion.")
	r.def("quat_to_matrix", g, Mat33, "q", Quat).Doc("Convert a quaternion to a 3x3 rotation matrix.")
}

func defineTransformations(r *Registry) {
	g := GroupTransformations
	r.def("transform", g, Transform, "p", Vec3, "q", Quat).
		Doc("Construct a rigid body transformation with translation part p and rotation q.")
	r.def("transform_identity", g, Transform).Doc("Construct an identity transform with zero translation and identity rotation.")
	r.def("transform_get_translation", g, Vec3, "t", Transform).Doc("Return the translational part of a transform.")
	r.def("transform_get_rotation", g, Quat, "t", Transform).Doc("Return the rotational part of a transform.")
	r.def("transform_multiply", g, Transform, "a", Transform, "b", Transform).
		Doc("Multiply two rigid body transformations together.")
	r.def("transform_point", g, Vec3, "t", Transform, "p", Vec3).
		Doc("Apply the transform to a point p treating the homogenous coordinate as w=1 (translation and rotation).")
	r.def("transform_vector", g, Vec3, "t", Transform, "v", Vec3).
		Doc("Apply the transform to a vector v treating the homogenous coordinate as w=0 (rotation only).")
	r.def("transform_inverse", g, Transform, "t", Transform).Doc("Compute the inverse of the transform.")
}

func defineSpatialMath(r *Registry) {
	g := GroupSpatialMath
	r.def("spatial_vector", g, SpatialVector).Doc("Construct a zero-initialized 6d screw vector.")
	r.def("spatial_vector", g, SpatialVector, "a", Float, "b", Float, "c", Float, "d", Float, "e", Float, "f", Float).
		Doc("Construct a 6d screw vector from its components.")
	r.def("spatial_vector", g, SpatialVector, "w", Vec3, "v", Vec3).Doc("Construct a 6d screw vector from two 3d vectors.")
	r.def("spatial_vector", g, SpatialVector, "s", Float).Doc("Construct a 6d screw vector with all components set to s.")
	r.def("spatial_matrix", g, SpatialMatrix).Doc("Construct a 6x6 zero-initialized spatial inertia matrix.")
	r.def("spatial_adjoint", g, SpatialMatrix, "r", Mat33, "s", Mat33).
		Doc("Construct a 6x6 spatial inertial matrix from two 3x3 diagonal blocks.")
	r.def("spatial_dot", g, Float, "a", SpatialVector, "b", SpatialVector).Doc("Compute the dot product of two 6d screw vectors.")
	r.def("spatial_cross", g, SpatialVector, "a", SpatialVector, "b", SpatialVector).
		Doc("Compute the cross-product of two 6d screw vectors.")
	r.def("spatial_cross_dual", g, SpatialVector, "a", SpatialVector, "b", SpatialVector).
		Doc("Compute the dual cross-product of two 6d screw vectors.")
	r.def("spatial_top", g, Vec3, "a", SpatialVector).Doc("Return the top (first) part of a 6d screw vector.")
	r.def("spatial_bottom", g, Vec3, "a", SpatialVector).Doc("Return the bottom (second) part of a 6d screw vector.")
	r.def("spatial_jacobian", g, nil,
		"S", Array(SpatialVector, 0), "joint_parents", Array(Int, 0), "joint_qd_start", Array(Int, 0),
		"joint_start", Int, "joint_count", Int, "J_start", Int, "J_out", Array(Float, 0))
	r.def("spatial_mass", g, nil,
		"I_s", Array(SpatialMatrix, 0), "joint_start", Int, "joint_count", Int, "M_start", Int, "M", Array(Float, 0))
}

func defineLinearAlgebra(r *Registry) {
	g := GroupUtility
	floats, ints := Array(Float, 0), Array(Int, 0)
	r.def("dense_gemm", g, nil, "m", Int, "n", Int, "p", Int, "t1", Int, "t2", Int,
		"A", floats, "B", floats, "C", floats).Hidden()
	r.def("dense_gemm_batched", g, nil, "m", ints, "n", ints, "p", ints, "t1", Int, "t2", Int,
		"A_start", ints, "B_start", ints, "C_start", ints, "A", floats, "B", floats, "C", floats).Hidden()
	r.def("dense_chol", g, nil, "n", Int, "A", floats, "regularization", Float, "L", floats).Hidden()
	r.def("dense_chol_batched", g, nil, "A_start", ints, "A_dim", ints, "A", floats,
		"regularization", Float, "L", floats).Hidden()
	r.def("dense_subs", g, nil, "n", Int, "L", floats, "b", floats, "x", floats).Hidden()
	r.def("dense_solve", g, nil, "n", Int, "A", floats, "L", floats, "b", floats, "x", floats).Hidden()
	r.def("dense_solve_batched", g, nil, "b_start", ints, "A_start", ints, "A_dim", ints,
		"A", floats, "L", floats, "b", floats, "x", floats).Hidden()
	r.def("mlp", g, nil, "weights", Array(Float, 2), "bias", Array(Float, 1), "activation", Any,
		"index", Int, "x", Array(Float, 2), "out", Array(Float, 2)).
		Doc("Evaluate a multi-layer perceptron (MLP) layer in the form: out = act(weights*x + bias).")
}

func defineGeometry(r *Registry) {
	g := GroupGeometry
	r.def("mesh_query_point", g, Bool, "id", Uint64, "point", Vec3, "max_dist", Float,
		"inside", Float, "face", Int, "bary_u", Float, "bary_v", Float).
		Doc("Computes the closest point on the mesh with identifier id to the given point in space.")
	r.def("mesh_query_ray", g, Bool, "id", Uint64, "start", Vec3, "dir", Vec3, "max_t", Float,
		"t", Float, "bary_u", Float, "bary_v", Float, "sign", Float, "normal", Vec3, "face", Int).
		Doc("Computes the closest ray hit on the mesh with identifier id.")
	r.def("mesh_query_aabb", g, MeshQueryAABB, "id", Uint64, "lower", Vec3, "upper", Vec3).
		Doc("Construct an axis-aligned bounding box query against a mesh object.")
	r.def("mesh_query_aabb_next", g, Bool, "query", MeshQueryAABB, "index", Int).
		Doc("Move to the next triangle overlapping the query bounding box.")
	r.def("mesh_eval_position", g, Vec3, "id", Uint64, "face", Int, "bary_u", Float, "bary_v", Float).
		Doc("Evaluates the position on the mesh given a face index, and barycentric coordinates.")
	r.def("mesh_eval_velocity", g, Vec3, "id", Uint64, "face", Int, "bary_u", Float, "bary_v", Float).
		Doc("Evaluates the velocity on the mesh given a face index, and barycentric coordinates.")
	r.def("hash_grid_query", g, HashGridQuery, "id", Uint64, "point", Vec3, "max_dist", Float).
		Doc("Construct a point query against a hash grid.")
	r.def("hash_grid_query_next", g, Bool, "query", HashGridQuery, "index", Int).
		Doc("Move to the next point in the hash grid query.")
	r.def("hash_grid_point_id", g, Int, "id", Uint64, "index", Int).
		Doc("Return the index of a point in the grid.")
	r.def("intersect_tri_tri", g, Int, "v0", Vec3, "v1", Vec3, "v2", Vec3, "u0", Vec3, "u1", Vec3, "u2", Vec3).
		Doc("Tests for intersection between two triangles using Möller's method. Returns > 0 if triangles intersect.")

	// Ranges and iterators.
	r.def("range", GroupUtility, Range, "end", Int).Hidden()
	r.def("range", GroupUtility, Range, "start", Int, "end", Int).Hidden()
	r.def("range", GroupUtility, Range, "start", Int, "end", Int, "step", Int).Hidden()
	r.def("iter_next", GroupUtility, Int, "range", Range).Hidden()
	r.def("iter_next", GroupUtility, Int, "query", HashGridQuery).Hidden()
	r.def("iter_next", GroupUtility, Int, "query", MeshQueryAABB).Hidden()
}

func defineVolumes(r *Registry) {
	g := GroupVolumes
	r.def("volume_sample_f", g, Float, "id", Uint64, "uvw", Vec3, "sampling_mode", Int).
		Doc("Sample the volume given by id at the volume local-space point uvw.")
	r.def("volume_lookup_f", g, Float, "id", Uint64, "i", Int, "j", Int, "k", Int).
		Doc("Returns the value of voxel with coordinates i, j, k.")
	r.def("volume_sample_v", g, Vec3, "id", Uint64, "uvw", Vec3, "sampling_mode", Int).
		Doc("Sample the vector volume given by id at the volume local-space point uvw.")
	r.def("volume_lookup_v", g, Vec3, "id", Uint64, "i", Int, "j", Int, "k", Int).
		Doc("Returns the vector value of voxel with coordinates i, j, k.")
	r.def("volume_sample_i", g, Int, "id", Uint64, "uvw", Vec3).
		Doc("Sample the int32 volume given by id at the volume local-space point uvw.")
	r.def("volume_lookup_i", g, Int, "id", Uint64, "i", Int, "j", Int, "k", Int).
		Doc("Returns the int32 value of voxel with coordinates i, j, k.")
	r.def("volume_index_to_world", g, Vec3, "id", Uint64, "uvw", Vec3).
		Doc("Transform a point defined in volume index space to world space.")
	r.def("volume_world_to_index", g, Vec3, "id", Uint64, "xyz", Vec3).
		Doc("Transform a point defined in volume world space to the volume's index space.")
	r.def("volume_index_to_world_dir", g, Vec3, "id", Uint64, "uvw", Vec3).
		Doc("Transform a direction defined in volume index space to world space.")
	r.def("volume_world_to_index_dir", g, Vec3, "id", Uint64, "xyz", Vec3).
		Doc("Transform a direction defined in volume world space to the volume's index space.")
}

func defineRandom(r *Registry) {
	g := GroupRandom
	r.def("rand_init", g, Uint32, "seed", Int).Doc("Initialize a new random number generator given a user-defined seed.")
	r.def("rand_init", g, Uint32, "seed", Int, "offset", Int).
		Doc("Initialize a new random number generator given a user-defined seed and an offset.")
	r.def("randi", g, Int, "state", Uint32).Doc("Return a random integer between [0, 2^32).")
	r.def("randi", g, Int, "state", Uint32, "min", Int, "max", Int).Doc("Return a random integer between [min, max).")
	r.def("randf", g, Float, "state", Uint32).Doc("Return a random float between [0.0, 1.0).")
	r.def("randf", g, Float, "state", Uint32, "min", Float, "max", Float).Doc("Return a random float between [min, max).")
	r.def("randn", g, Float, "state", Uint32).Doc("Sample a normal distribution.")

	points := []struct {
		name string
		t    Type
	}{{"x", Float}, {"xy", Vec2}, {"xyz", Vec3}, {"xyzt", Vec4}}
	periods := []string{"px", "py", "pz", "pt"}
	for _, p := range points {
		r.def("noise", g, Float, "state", Uint32, p.name, p.t).Doc("Non-periodic Perlin-style noise.")
	}
	for ii, p := range points {
		o := r.def("pnoise", g, Float, "state", Uint32, p.name, p.t).Doc("Periodic Perlin-style noise.")
		for _, period := range periods[:ii+1] {
			o.In(period, Int)
		}
	}
	r.def("curlnoise", g, Vec2, "state", Uint32, "xy", Vec2).Doc("Divergence-free vector field based on the gradient of a Perlin noise function.")
	r.def("curlnoise", g, Vec3, "state", Uint32, "xyz", Vec3).Doc("Divergence-free vector field based on the curl of three Perlin noise functions.")
	r.def("curlnoise", g, Vec3, "state", Uint32, "xyzt", Vec4).Doc("Divergence-free vector field based on the curl of three Perlin noise functions.")
}

func defineUtility(r *Registry) {
	g := GroupUtility
	r.def("printf", g, nil).Variadic().Namespace("").SkipReplay().
		Doc("Allows printing formatted strings, using C-style format specifiers.")
	r.def("print", g, nil, "value", Any).SkipReplay().Doc("Print variable to stdout.")
	r.def("tid", g, Int).Doc("Return the current thread index for a 1d kernel launch.")
	r.def("tid", g, Tuple(Int, Int)).Doc("Return the current thread indices for a 2d kernel launch.")
	r.def("tid", g, Tuple(Int, Int, Int)).Doc("Return the current thread indices for a 3d kernel launch.")
	r.def("tid", g, Tuple(Int, Int, Int, Int)).Doc("Return the current thread indices for a 4d kernel launch.")
	r.Define("copy").Group(g).Variadic().Hidden().ResolveWith(ResolveCopy)
	r.def("select", g, nil, "cond", Bool, "arg1", Any, "arg2", Any).ResolveWith(ResolveSelect).
		Doc("Select between two arguments, if cond is false then return arg1, otherwise return arg2.")
	r.Define("index").Group(g).Variadic().Hidden().Returns(Float)
	for _, t := range ScalarTypes {
		r.def("expect_eq", g, nil, "arg1", t, "arg2", t).SkipReplay().
			Doc("Prints an error to stdout if arg1 and arg2 are not equal.")
	}
	for _, t := range VectorTypes {
		r.def("expect_eq", g, nil, "arg1", t, "arg2", t).SkipReplay().
			Doc("Prints an error to stdout if arg1 and arg2 are not equal.")
	}
	r.def("expect_near", g, nil, "arg1", Float, "arg2", Float, "tolerance", Float).SkipReplay().
		Doc("Prints an error to stdout if arg1 and arg2 are not closer than tolerance in magnitude.")
	r.def("expect_near", g, nil, "arg1", Vec3, "arg2", Vec3, "tolerance", Float).SkipReplay().
		Doc("Prints an error to stdout if any element of arg1 and arg2 are not closer than tolerance in magnitude.")
}

func defineArrayAccess(r *Registry) {
	g := GroupUtility
	r.Define("load").Group(g).Variadic().Hidden().ResolveWith(ResolveLoad)
	r.Define("view").Group(g).Variadic().Hidden().ResolveWith(ResolveView)
	r.Define("store").Group(g).Variadic().Hidden().SkipReplay().ResolveWith(ResolveStore)

	indexNames := []string{"i", "j", "k", "l"}
	for _, op := range []string{"atomic_add", "atomic_sub"} {
		verb := "add value onto"
		if op == "atomic_sub" {
			verb = "subtract value from"
		}
		for numIndices := 1; numIndices <= MaxDims; numIndices++ {
			o := r.Define(op).Group(g).SkipReplay().ResolveWith(ResolveAtomic(op)).In("a", AnyArray)
			for _, name := range indexNames[:numIndices] {
				o.In(name, Int)
			}
			o.In("value", Any)
			o.Doc(fmt.Sprintf("Atomically %s the array at the location given by %d index(es).", verb, numIndices))
		}
	}
}

func defineOperators(r *Registry) {
	g := GroupOperators
	addSub := []Type{Int, Float, Vec2, Vec3, Vec4, Quat, Mat22, Mat33, Mat44, SpatialVector, SpatialMatrix}
	for _, t := range addSub {
		r.def("add", g, t, "x", t, "y", t)
	}
	for _, t := range addSub {
		if t == Quat {
			continue
		}
		r.def("sub", g, t, "x", t, "y", t)
	}

	mul := []struct{ x, y, result Type }{
		{Int, Int, Int},
		{Float, Float, Float},
		{Float, Vec2, Vec2},
		{Float, Vec3, Vec3},
		{Float, Vec4, Vec4},
		{Float, Quat, Quat},
		{Vec2, Float, Vec2},
		{Vec3, Float, Vec3},
		{Vec4, Float, Vec4},
		{Quat, Float, Quat},
		{Quat, Quat, Quat},
		{Mat22, Float, Mat22},
		{Mat22, Vec2, Vec2},
		{Mat22, Mat22, Mat22},
		{Mat33, Float, Mat33},
		{Mat33, Vec3, Vec3},
		{Mat33, Mat33, Mat33},
		{Mat44, Float, Mat44},
		{Mat44, Vec4, Vec4},
		{Mat44, Mat44, Mat44},
		{SpatialVector, Float, SpatialVector},
		{SpatialMatrix, SpatialMatrix, SpatialMatrix},
		{SpatialMatrix, SpatialVector, SpatialVector},
		{Transform, Transform, Transform},
	}
	for _, m := range mul {
		r.def("mul", g, m.result, "x", m.x, "y", m.y)
	}

	for _, t := range []Type{Int, Float} {
		r.def("mod", g, t, "x", t, "y", t)
	}
	r.def("div", g, Int, "x", Int, "y", Int)
	r.def("div", g, Float, "x", Float, "y", Float)
	for _, v := range []Type{Vec2, Vec3, Vec4} {
		r.def("div", g, v, "x", v, "y", Float)
	}
	for _, t := range []Type{Int, Float} {
		r.def("floordiv", g, t, "x", t, "y", t)
	}
	for _, t := range []Type{Int, Float, Vec2, Vec3, Vec4, Quat, Mat33, Mat44} {
		r.def("neg", g, t, "x", t)
	}
	r.def("unot", g, Bool, "b", Bool)
}
