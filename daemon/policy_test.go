package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldForward(t *testing.T) {
	cases := []struct {
		args []string
		want bool
	}{
		{nil, false},
		{[]string{"web"}, false},
		{[]string{"-L"}, false},
		{[]string{"-rm", "web"}, true},
		{[]string{"--remove-service", "web"}, true},
		{[]string{"--rename-service=api", "web"}, true},
		{[]string{"-c", "other.yml", "-dd", "web", "web2"}, true},
		{[]string{"--edit-dockerfile"}, true},
		{[]string{"-rm", "web", "--help"}, false},
		{[]string{"-v", "-n"}, false},
		{[]string{"--version"}, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, ShouldForward(c.args), "%v", c.args)
	}
}

func TestIsActive(t *testing.T) {
	checked := false
	running := func() bool { checked = true; return false }
	assert.True(t, IsActive(true, running))
	assert.False(t, checked, "configured mode does not need a liveness check")
	assert.False(t, IsActive(false, running))
	assert.True(t, checked)
	assert.True(t, IsActive(false, func() bool { return true }))
}
