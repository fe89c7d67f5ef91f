// Package model 定义核心数据模型
//
// pipeline.go 包含流水线定义相关的数据模型：
//   - Namespace：命名空间（租户/环境分组），携带变量表和流水线定义
//   - Pipeline：流水线定义（有序步骤 + 声明参数）
//   - StepDef：步骤定义（动作名 + 未解析的原始配置）
//   - ParamDecl：参数声明
//
// 这些类型由配置源（configsource）从外部文档解析得到，
// 执行器只读取，从不修改。
package model

import (
	"fmt"
)

// ============================================================================
// Namespace - 命名空间
// ============================================================================

// Namespace 命名空间：一组流水线定义 + 命名空间级变量
//
// 变量（Variables）在模板解析时通过 {{vars.<name>}} 引用，
// 值可以是任意结构（标量/数组/对象），解析时保留原生类型。
type Namespace struct {
	Name      string         `json:"name" yaml:"name"`
	Variables map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
	Pipelines []*Pipeline    `json:"pipelines" yaml:"pipelines"`
}

// Pipeline 按 ID 查找流水线定义，不存在时返回 nil
func (n *Namespace) Pipeline(id string) *Pipeline {
	for _, p := range n.Pipelines {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// ============================================================================
// Pipeline - 流水线定义
// ============================================================================

// Pipeline 流水线定义
//
// 字段说明：
//   - ID：命名空间内唯一标识
//   - Name：展示名称
//   - TimeoutSeconds：单次执行的安全超时（0 表示使用引擎默认值 3600s）
//   - Parameters：触发时可传入的参数声明
//   - Steps：有序步骤列表，执行时严格按声明顺序串行执行
type Pipeline struct {
	ID             string      `json:"id" yaml:"id"`
	Name           string      `json:"name" yaml:"name"`
	TimeoutSeconds int         `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	Parameters     []ParamDecl `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Steps          []StepDef   `json:"steps" yaml:"steps"`
}

// ParamDecl 参数声明
//
// 参数值类型限定为 string 或 bool（触发时校验）。
// Default 仅用于展示层预填，执行期的缺省回退由模板语法
// param.<name>|<fallback> 表达。
type ParamDecl struct {
	Name     string `json:"name" yaml:"name"`
	Required bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default  string `json:"default,omitempty" yaml:"default,omitempty"`
}

// StepDef 步骤定义
//
// Config 是未解析的原始配置，执行时先经模板解析器
// （{{param.x}}/{{vars.y}}/$switch）解析再交给动作处理器。
type StepDef struct {
	ID     string         `json:"id" yaml:"id"`
	Name   string         `json:"name" yaml:"name"`
	Action string         `json:"action" yaml:"action"`
	Config map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// Validate 校验流水线定义的基本完整性
func (p *Pipeline) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("pipeline id is required")
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("pipeline %s has no steps", p.ID)
	}
	seen := make(map[string]bool, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("pipeline %s: step id is required", p.ID)
		}
		if s.Action == "" {
			return fmt.Errorf("pipeline %s: step %s: action is required", p.ID, s.ID)
		}
		if seen[s.ID] {
			return fmt.Errorf("pipeline %s: duplicate step id %s", p.ID, s.ID)
		}
		seen[s.ID] = true
	}
	return nil
}

// ============================================================================
// ResolutionContext - 模板解析上下文
// ============================================================================

// ResolutionContext 单次执行的模板解析上下文
//
// 在 Run 创建时构造一次，对整个执行过程不可变：
//   - Params：触发时传入的参数（string|bool）
//   - Variables：命名空间声明的变量（任意结构）
type ResolutionContext struct {
	Params    map[string]any
	Variables map[string]any
}
