package dis

import (
	"errors"
	"io"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"
)

func TestParseDevice(t *testing.T) {
	for in, want := range map[string]Device{"": DeviceAuto, "AUTO": DeviceAuto, " cpu ": DeviceCPU, "cuda": DeviceCUDA} {
		d, err := ParseDevice(in)
		require.NoError(t, err)
		assert.Equal(t, want, d)
	}

	_, err := ParseDevice("tpu")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestDefaultLibraryPath(t *testing.T) {
	t.Setenv("ONNXRUNTIME_LIB", "")
	p := DefaultLibraryPath()
	switch runtime.GOOS {
	case "windows":
		assert.Equal(t, "./lib/onnxruntime.dll", p)
	case "linux":
		assert.Equal(t, "./lib/onnxruntime_"+runtime.GOARCH+".so", p)
	case "darwin":
		assert.True(t, strings.HasSuffix(p, ".dylib"))
	}

	t.Setenv("ONNXRUNTIME_LIB", "/opt/ort/libonnxruntime.so")
	assert.Equal(t, "/opt/ort/libonnxruntime.so", DefaultLibraryPath())
}

func TestOnnxConfigNewRequiresLibPath(t *testing.T) {
	cfg := new(OnnxConfig)
	err := cfg.New()
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.Equal(t, KindUser, KindOf(err))
}

func TestOnnxConfigNewKeepsFirstInitError(t *testing.T) {
	dir := t.TempDir()
	first := &OnnxConfig{OnnxRuntimeLibPath: filepath.Join(dir, "missing.so")}
	err := first.New()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRuntime))

	// 环境只初始化一次, 更换路径不会重新加载
	second := &OnnxConfig{OnnxRuntimeLibPath: filepath.Join(dir, "other.so")}
	assert.Equal(t, err.Error(), second.New().Error())
}

// fakeOptions 记录 applyOptions 请求的设备, 不创建真实的会话选项
func fakeOptions(requested *[]Device, fail error) func(Device) (*ort.SessionOptions, Device, error) {
	return func(d Device) (*ort.SessionOptions, Device, error) {
		*requested = append(*requested, d)
		if fail != nil {
			return nil, "", fail
		}
		if d == DeviceCPU {
			return nil, DeviceCPU, nil
		}
		return nil, DeviceCUDA, nil
	}
}

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func TestNewSessionAutoFallsBackToCPU(t *testing.T) {
	var requested []Device
	cfg := &OnnxConfig{Device: DeviceAuto, ActiveDevice: DeviceCUDA, Logger: quietLogger()}
	cfg.buildOptions = fakeOptions(&requested, nil)

	calls := 0
	session, err := NewSession(cfg, func(*ort.SessionOptions) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("CUDA failure 100: no CUDA-capable device is detected")
		}
		return "cpu-session", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "cpu-session", session)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []Device{DeviceCPU}, requested)
	assert.Equal(t, DeviceCPU, cfg.ActiveDevice)
}

func TestNewSessionNoFallback(t *testing.T) {
	cases := []struct {
		name   string
		device Device
		active Device
	}{
		{"cuda is strict", DeviceCUDA, DeviceCUDA},
		{"cpu already", DeviceCPU, DeviceCPU},
		{"auto without cuda", DeviceAuto, DeviceCPU},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var requested []Device
			cfg := &OnnxConfig{Device: c.device, ActiveDevice: c.active, Logger: quietLogger()}
			cfg.buildOptions = fakeOptions(&requested, nil)

			calls := 0
			_, err := NewSession(cfg, func(*ort.SessionOptions) (int, error) {
				calls++
				return 0, errors.New("bad model")
			})
			assert.EqualError(t, err, "bad model")
			assert.Equal(t, 1, calls)
			assert.Empty(t, requested)
			assert.Equal(t, c.active, cfg.ActiveDevice)
		})
	}
}

func TestNewSessionFallbackOptionsFail(t *testing.T) {
	var requested []Device
	cfg := &OnnxConfig{ActiveDevice: DeviceCUDA, Logger: quietLogger()}
	cfg.buildOptions = fakeOptions(&requested, ErrRuntime)

	sessionErr := errors.New("cudnn missing")
	_, err := NewSession(cfg, func(*ort.SessionOptions) (int, error) {
		return 0, sessionErr
	})
	assert.True(t, errors.Is(err, sessionErr))
	assert.True(t, errors.Is(err, ErrRuntime))
	assert.Equal(t, DeviceCUDA, cfg.ActiveDevice)
}
