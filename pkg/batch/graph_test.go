package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aperture-cli/aperture/pkg/errs"
)

func TestDependentDetection(t *testing.T) {
	tests := []struct {
		name      string
		file      File
		dependent bool
	}{
		{
			name:      "plain operations run concurrently",
			file:      File{Operations: []Operation{{Args: []string{"users", "list"}}}},
			dependent: false,
		},
		{
			name:      "capture forces dependent mode",
			file:      File{Operations: []Operation{{ID: "a", Args: []string{"users", "create"}, Capture: map[string]string{"id": ".id"}}}},
			dependent: true,
		},
		{
			name:      "capture_append forces dependent mode",
			file:      File{Operations: []Operation{{ID: "a", Args: []string{"users", "list"}, CaptureAppend: map[string]string{"ids": ".id"}}}},
			dependent: true,
		},
		{
			name:      "depends_on forces dependent mode",
			file:      File{Operations: []Operation{{ID: "a", Args: []string{"x"}}, {ID: "b", Args: []string{"y"}, DependsOn: []string{"a"}}}},
			dependent: true,
		},
		{
			name:      "variable reference forces dependent mode",
			file:      File{Operations: []Operation{{Args: []string{"users", "get", "--id", "{{user_id}}"}}}},
			dependent: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.dependent, tt.file.Dependent())
		})
	}
}

func TestBuildGraphPreValidation(t *testing.T) {
	tests := []struct {
		name string
		file File
		want string
	}{
		{
			name: "capture without id",
			file: File{Operations: []Operation{{Args: []string{"x"}, Capture: map[string]string{"v": ".v"}}}},
			want: "has no id",
		},
		{
			name: "duplicate ids",
			file: File{Operations: []Operation{{ID: "a", Args: []string{"x"}}, {ID: "a", Args: []string{"y"}, DependsOn: []string{"a"}}}},
			want: "duplicate operation id",
		},
		{
			name: "unknown dependency",
			file: File{Operations: []Operation{{ID: "a", Args: []string{"x"}, DependsOn: []string{"ghost"}}}},
			want: "unknown operation",
		},
		{
			name: "undefined variable",
			file: File{Operations: []Operation{{ID: "a", Args: []string{"--id", "{{nope}}"}, DependsOn: []string{"a"}}}},
			want: "undefined variable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildGraph(&tt.file)
			require.Error(t, err)
			assert.True(t, errs.IsKind(err, errs.KindValidation), "kind: %v", err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBuildGraphCycleDetection(t *testing.T) {
	file := File{Operations: []Operation{
		{ID: "a", Args: []string{"x"}, DependsOn: []string{"c"}},
		{ID: "b", Args: []string{"y"}, DependsOn: []string{"a"}},
		{ID: "c", Args: []string{"z"}, DependsOn: []string{"b"}},
	}}
	_, err := buildGraph(&file)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
	for _, id := range []string{"a", "b", "c"} {
		assert.Contains(t, err.Error(), id)
	}
}

func TestBuildGraphTopologicalOrder(t *testing.T) {
	// fetch references {{user_id}} captured by create: the implicit edge
	// must order create first even though fetch precedes it in the file.
	file := File{Operations: []Operation{
		{ID: "fetch", Args: []string{"users", "get", "--id", "{{user_id}}"}},
		{ID: "create", Args: []string{"users", "create"}, Capture: map[string]string{"user_id": ".id"}},
	}}
	g, err := buildGraph(&file)
	require.NoError(t, err)
	require.Equal(t, []int{1, 0}, g.order)
}

func TestBuildGraphTieBreakByFileOrder(t *testing.T) {
	file := File{Operations: []Operation{
		{ID: "c", Args: []string{"1"}},
		{ID: "a", Args: []string{"2"}},
		{ID: "b", Args: []string{"3"}, DependsOn: []string{"c"}},
	}}
	g, err := buildGraph(&file)
	require.NoError(t, err)
	// c and a are both ready at the start; file order (c before a) wins,
	// then b unblocks.
	assert.Equal(t, []int{0, 1, 2}, g.order)
}

func TestVarStoreScalarWinsOverList(t *testing.T) {
	s := newVarStore()
	s.scalars["v"] = "scalar"
	s.lists["v"] = []string{"a", "b"}

	got, ok := s.Lookup("v")
	require.True(t, ok)
	assert.Equal(t, "scalar", got)
}

func TestVarStoreListRendersJSONArray(t *testing.T) {
	s := newVarStore()
	s.lists["ids"] = []string{"a", "b"}

	got, ok := s.Lookup("ids")
	require.True(t, ok)
	assert.Equal(t, `["a","b"]`, got)
}

func TestInterpolate(t *testing.T) {
	s := newVarStore()
	s.scalars["user_id"] = "u7"

	op := &Operation{ID: "fetch", Args: []string{"users", "get", "--id", "{{user_id}}"}}
	args, err := s.interpolate(op, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"users", "get", "--id", "u7"}, args)

	missing := &Operation{ID: "x", Args: []string{"{{ghost}}"}}
	_, err = s.interpolate(missing, 1)
	require.Error(t, err)
	assert.True(t, errs.IsKind(err, errs.KindValidation))
}

func TestEvalCapture(t *testing.T) {
	response := map[string]any{
		"id":    "u7",
		"count": 3.0,
		"tags":  []any{"x", "y"},
		"empty": "",
		"null":  nil,
	}

	t.Run("string scalar", func(t *testing.T) {
		got, err := evalCapture(".id", response)
		require.NoError(t, err)
		assert.Equal(t, "u7", got)
	})

	t.Run("number stringified", func(t *testing.T) {
		got, err := evalCapture(".count", response)
		require.NoError(t, err)
		assert.Equal(t, "3", got)
	})

	t.Run("array stringified as JSON", func(t *testing.T) {
		got, err := evalCapture(".tags", response)
		require.NoError(t, err)
		assert.Equal(t, `["x","y"]`, got)
	})

	t.Run("null is fatal", func(t *testing.T) {
		_, err := evalCapture(".null", response)
		assert.Error(t, err)
	})

	t.Run("missing is fatal", func(t *testing.T) {
		_, err := evalCapture(".missing", response)
		assert.Error(t, err)
	})

	t.Run("empty string is fatal", func(t *testing.T) {
		_, err := evalCapture(".empty", response)
		assert.Error(t, err)
	})
}
