// Package template 实现步骤配置的模板解析
//
// 纯函数递归变换：对数组/对象逐元素递归，对字符串求值 {{…}} 表达式，
// 对 $switch 对象按参数值选择分支。无副作用，不做 I/O。
//
// 表达式语法：
//   - {{vars.<name>}}          查命名空间变量表，缺失报错
//   - {{param.<name>}}         查执行参数表，缺失报错
//   - {{param.<name>|<回退>}}  参数缺失或为空字符串时取回退值
//
// 类型保留规则：整个字符串恰为单个 {{…}} 表达式时，解析结果保留
// 被引用值的原生类型（对象/数组/标量）；字符串中混有其他内容时
// 结果必为字符串，此时表达式解析出 null 或对象/数组属于配置错误
// （字符串化语义不明确）。
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"deploy-admin/internal/shared/model"
)

// MaxDepth 递归解析的最大深度，防止 $switch 误配置导致无限递归
const MaxDepth = 50

// exprRe 匹配 {{…}} 表达式
var exprRe = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// ConfigError 模板解析失败（属于配置错误，导致步骤失败）
type ConfigError struct {
	msg string
}

func (e *ConfigError) Error() string {
	return e.msg
}

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{msg: fmt.Sprintf(format, args...)}
}

// Resolve 对任意值做递归模板解析
func Resolve(value any, rc *model.ResolutionContext) (any, error) {
	return resolve(value, rc, 0)
}

// ResolveConfig 解析步骤配置（顶层为对象）
func ResolveConfig(config map[string]any, rc *model.ResolutionContext) (map[string]any, error) {
	resolved, err := resolve(config, rc, 0)
	if err != nil {
		return nil, err
	}
	m, ok := resolved.(map[string]any)
	if !ok {
		// $switch 顶层分支可以解析出非对象，但步骤配置必须是对象
		return nil, configErrorf("step config resolved to non-object value")
	}
	return m, nil
}

func resolve(value any, rc *model.ResolutionContext, depth int) (any, error) {
	if depth > MaxDepth {
		return nil, configErrorf("template recursion depth exceeded (max %d)", MaxDepth)
	}

	switch v := value.(type) {
	case string:
		return resolveString(v, rc)

	case map[string]any:
		if _, ok := v["$switch"]; ok {
			return resolveSwitch(v, rc, depth)
		}
		out := make(map[string]any, len(v))
		for key, sub := range v {
			resolved, err := resolve(sub, rc, depth+1)
			if err != nil {
				return nil, err
			}
			out[key] = resolved
		}
		return out, nil

	case []any:
		out := make([]any, len(v))
		for i, sub := range v {
			resolved, err := resolve(sub, rc, depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil

	default:
		// 数字/布尔/nil 等标量原样保留
		return value, nil
	}
}

// resolveString 解析字符串中的模板表达式
func resolveString(s string, rc *model.ResolutionContext) (any, error) {
	// 整个字符串恰为单个表达式：保留原生类型
	if m := exprRe.FindStringSubmatch(s); m != nil && m[0] == s {
		return evalExpr(m[1], rc)
	}

	// 混合内容：逐个表达式求值并字符串化
	var firstErr error
	out := exprRe.ReplaceAllStringFunc(s, func(match string) string {
		if firstErr != nil {
			return match
		}
		expr := strings.TrimSpace(match[2 : len(match)-2])
		val, err := evalExpr(expr, rc)
		if err != nil {
			firstErr = err
			return match
		}
		str, err := stringify(expr, val)
		if err != nil {
			firstErr = err
			return match
		}
		return str
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// evalExpr 求值单个表达式（不含花括号）
func evalExpr(expr string, rc *model.ResolutionContext) (any, error) {
	switch {
	case strings.HasPrefix(expr, "vars."):
		name := strings.TrimPrefix(expr, "vars.")
		val, ok := rc.Variables[name]
		if !ok {
			return nil, configErrorf("undefined variable: %s", name)
		}
		return val, nil

	case strings.HasPrefix(expr, "param."):
		rest := strings.TrimPrefix(expr, "param.")
		name, fallback, hasFallback := strings.Cut(rest, "|")
		name = strings.TrimSpace(name)
		val, ok := rc.Params[name]
		if hasFallback {
			// 缺失或空字符串参数取回退值
			if !ok || val == "" {
				return strings.TrimSpace(fallback), nil
			}
			return val, nil
		}
		if !ok {
			return nil, configErrorf("undefined parameter: %s", name)
		}
		return val, nil

	default:
		return nil, configErrorf("unsupported template expression: %s", expr)
	}
}

// stringify 混合字符串上下文中的表达式值字符串化
// null 和对象/数组在该上下文中语义不明确，报配置错误
func stringify(expr string, val any) (string, error) {
	switch v := val.(type) {
	case nil:
		return "", configErrorf("expression %s resolved to null in string context", expr)
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case map[string]any, []any:
		return "", configErrorf("expression %s resolved to a structured value in string context", expr)
	default:
		return fmt.Sprintf("%v", v), nil
	}
}

// resolveSwitch 解析 $switch 对象
//
// 形如 { $switch: <参数名>, cases: {值: 子树}, default: 子树 }：
// 将参数当前值字符串化后在 cases 中查找，找不到取 default，
// 两者都不存在报错。选中的子树本身继续递归解析（switch 可嵌套）。
func resolveSwitch(obj map[string]any, rc *model.ResolutionContext, depth int) (any, error) {
	paramName, ok := obj["$switch"].(string)
	if !ok {
		return nil, configErrorf("$switch requires a parameter name")
	}

	var key string
	if val, exists := rc.Params[paramName]; exists {
		s, err := stringify("param."+paramName, val)
		if err != nil {
			return nil, err
		}
		key = s
	}

	cases, _ := obj["cases"].(map[string]any)
	if subtree, found := cases[key]; found {
		return resolve(subtree, rc, depth+1)
	}
	if subtree, found := obj["default"]; found {
		return resolve(subtree, rc, depth+1)
	}
	return nil, configErrorf("$switch on %s: no case for %q and no default", paramName, key)
}
