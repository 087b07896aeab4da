package artifact_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/regharvest/harvester/internal/harvest/artifact"
	"github.com/regharvest/harvester/internal/harvest/region"
	"github.com/stretchr/testify/require"
)

func TestNewResolver(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		template string

		wantErr bool
	}{
		"Default template":   {},
		"Custom template":    {template: "bizreg-%s-%s.csv"},
		"Too few verbs":      {template: "%s.csv", wantErr: true},
		"Too many verbs":     {template: "%s_%s_%s.csv", wantErr: true},
		"Other verbs":        {template: "%s_%s_%d.csv", wantErr: true},
		"Contains separator": {template: "%s/%s.csv", wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			_, err := artifact.NewResolver(t.TempDir(), tc.template)
			if tc.wantErr {
				require.ErrorIs(t, err, artifact.ErrInvalidTemplate, "NewResolver should reject the template")
				return
			}
			require.NoError(t, err, "NewResolver should accept the template")
		})
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		unit     region.Unit
		template string

		wantName string
	}{
		"Default template": {
			unit:     region.Unit{City: "서울특별시", District: "강남구"},
			wantName: "서울특별시_강남구.csv",
		},
		"Custom template": {
			unit:     region.Unit{City: "부산광역시", District: "금정구"},
			template: "corp-%s-%s.csv",
			wantName: "corp-부산광역시-금정구.csv",
		},
		"Decomposed names are normalised": {
			// "강남구" written as conjoining jamo.
			unit:     region.Unit{City: "서울특별시", District: "\u1100\u1161\u11bc\u1102\u1161\u11b7\u1100\u116e"},
			wantName: "서울특별시_강남구.csv",
		},
		"Separators cannot escape the directory": {
			unit:     region.Unit{City: "../etc", District: `a\b`},
			wantName: ".._etc_a_b.csv",
		},
		"Dot names are replaced": {
			unit:     region.Unit{City: "..", District: "."},
			wantName: "____.csv",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			r, err := artifact.NewResolver(dir, tc.template)
			require.NoError(t, err, "Setup: NewResolver should not fail")

			require.Equal(t, tc.wantName, r.Name(tc.unit), "Name returned an unexpected file name")
			require.Equal(t, filepath.Join(dir, tc.wantName), r.Resolve(tc.unit), "Resolve returned an unexpected path")
			require.Equal(t, r.Resolve(tc.unit), r.Resolve(tc.unit), "Resolve should be deterministic")
			require.Equal(t, dir, filepath.Dir(r.Resolve(tc.unit)), "artifact should stay in the artifact directory")
		})
	}
}

func TestExists(t *testing.T) {
	t.Parallel()

	present := region.Unit{City: "서울특별시", District: "강남구"}
	missing := region.Unit{City: "서울특별시", District: "강동구"}

	tests := map[string]struct {
		unit    region.Unit
		fileDir bool

		want    bool
		wantErr bool
	}{
		"Present artifact": {unit: present, want: true},
		"Missing artifact": {unit: missing},

		"Error when the directory is a file": {unit: missing, fileDir: true, wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			if tc.fileDir {
				dir = filepath.Join(dir, "not-a-dir")
				require.NoError(t, os.WriteFile(dir, nil, 0600), "Setup: could not create file")
			}
			r, err := artifact.NewResolver(dir, "")
			require.NoError(t, err, "Setup: NewResolver should not fail")
			if !tc.fileDir {
				require.NoError(t, os.WriteFile(r.Resolve(present), []byte("x"), 0600), "Setup: could not create artifact")
			}

			got, err := r.Exists(tc.unit)
			if tc.wantErr {
				require.Error(t, err, "Exists should fail")
				return
			}
			require.NoError(t, err, "Exists should not fail")
			require.Equal(t, tc.want, got, "Exists returned an unexpected result")
		})
	}
}

func TestCheckGrid(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		cities   []region.CityDistricts
		template string

		wantErr bool
	}{
		"Default grid":           {cities: nil},
		"Distinct names":         {cities: []region.CityDistricts{{City: "a", Districts: []string{"b", "c"}}}},
		"Distinct with template": {cities: []region.CityDistricts{{City: "a_b", Districts: []string{"c"}}, {City: "a", Districts: []string{"b_c"}}}, template: "%s-%s.csv"},

		"Error on separator replaced names": {cities: []region.CityDistricts{{City: "a/b", Districts: []string{"c"}}, {City: "a_b", Districts: []string{"c"}}}, wantErr: true},
		"Error on joined names":             {cities: []region.CityDistricts{{City: "a_b", Districts: []string{"c"}}, {City: "a", Districts: []string{"b_c"}}}, wantErr: true},
		"Error on dot names":                {cities: []region.CityDistricts{{City: "..", Districts: []string{"x"}}, {City: "__", Districts: []string{"x"}}}, wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			g := region.DefaultGrid()
			if tc.cities != nil {
				var err error
				g, err = region.NewGrid(tc.cities)
				require.NoError(t, err, "Setup: NewGrid should not fail")
			}
			r, err := artifact.NewResolver(t.TempDir(), tc.template)
			require.NoError(t, err, "Setup: NewResolver should not fail")

			err = r.CheckGrid(g)
			if tc.wantErr {
				require.ErrorIs(t, err, artifact.ErrNameCollision, "CheckGrid should report the collision")
				return
			}
			require.NoError(t, err, "CheckGrid should accept the grid")
		})
	}
}
