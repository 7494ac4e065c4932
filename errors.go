package dis

import "errors"

// 用户输入类错误
var (
	ErrInvalidArgument   = errors.New("参数无效")
	ErrInvalidInputShape = errors.New("输入形状无效")
	ErrDecodeImage       = errors.New("图片解码失败")
)

// 运行环境类错误
var (
	ErrDownload       = errors.New("权重下载失败")
	ErrInvalidWeights = errors.New("权重文件损坏或不兼容")
	ErrRuntime        = errors.New("ONNX Runtime 错误")
	ErrWriteOutput    = errors.New("写入输出失败")
)

// ErrInvalidOutputShape 模型输出不符合预期, 属于内部错误
var ErrInvalidOutputShape = errors.New("模型输出形状无效")

// Kind 错误分类
type Kind int

const (
	KindInternal    Kind = iota // 内部不变量被破坏
	KindUser                    // 用户输入有误
	KindEnvironment             // 网络、权限、运行库等环境问题
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindEnvironment:
		return "environment"
	default:
		return "internal"
	}
}

// ExitCode 进程退出码
func (k Kind) ExitCode() int {
	switch k {
	case KindUser:
		return 2
	case KindEnvironment:
		return 3
	default:
		return 1
	}
}

// KindOf 返回错误所属的分类, nil 视为内部错误
func KindOf(err error) Kind {
	switch {
	case errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrInvalidInputShape),
		errors.Is(err, ErrDecodeImage):
		return KindUser
	case errors.Is(err, ErrDownload),
		errors.Is(err, ErrInvalidWeights),
		errors.Is(err, ErrRuntime),
		errors.Is(err, ErrWriteOutput):
		return KindEnvironment
	default:
		return KindInternal
	}
}
