package model

import "strconv"

// DataKind 上游推送数据类型（封闭枚举）
type DataKind uint8

const (
	KindUnknown DataKind = iota
	KindOrderExecution
	KindConditionSignal
	KindBalance
	KindStockExecution
	KindBestQuote
	KindOrderBook
	KindExpectedExecution
	KindSectorIndex
)

// CachePolicy 缓存写入策略
type CachePolicy uint8

const (
	// PolicySnapshot 单键覆盖，只保留最新值
	PolicySnapshot CachePolicy = iota
	// PolicySeries 键名带时间戳后缀，保留一段近期历史
	PolicySeries
)

func (p CachePolicy) String() string {
	if p == PolicySeries {
		return "series"
	}
	return "snapshot"
}

type kindSpec struct {
	code   string
	name   string
	policy CachePolicy
	fields []string
}

// kindTable 编译期分发表，下标即 DataKind
var kindTable = [...]kindSpec{
	KindUnknown: {name: "unknown", policy: PolicySnapshot},
	KindOrderExecution: {
		code: "00", name: "order_execution", policy: PolicySeries,
		fields: []string{"9201", "9203", "9205", "9001", "912", "913", "302", "900", "901", "902", "903", "904", "905", "906", "907", "908", "909", "910", "911", "919"},
	},
	KindConditionSignal: {
		code: "02", name: "condition_signal", policy: PolicySeries,
		fields: []string{"841", "9001", "843", "20", "907"},
	},
	KindBalance: {
		code: "04", name: "balance", policy: PolicySnapshot,
		fields: []string{"9201", "9001", "917", "916", "302", "10", "930", "931", "932", "933", "945", "946", "950", "951", "27", "28", "307", "8019", "957", "958", "918", "990", "991", "992", "993", "959", "924"},
	},
	KindStockExecution: {
		code: "0B", name: "stock_execution", policy: PolicySeries,
		fields: []string{"20", "10", "11", "12", "27", "28", "15", "13", "14", "16", "17", "18", "25", "26", "29", "30", "31", "32", "228", "311", "290", "691"},
	},
	KindBestQuote: {
		code: "0C", name: "best_quote", policy: PolicySnapshot,
		fields: []string{"21", "27", "28"},
	},
	KindOrderBook: {
		code: "0D", name: "order_book", policy: PolicySnapshot,
		fields: orderBookFields(),
	},
	KindExpectedExecution: {
		code: "0H", name: "expected_execution", policy: PolicySnapshot,
		fields: []string{"20", "10", "11", "12", "15", "13", "25"},
	},
	KindSectorIndex: {
		code: "0J", name: "sector_index", policy: PolicySnapshot,
		fields: []string{"20", "10", "11", "12", "15", "13", "14", "16", "17", "18", "25", "26"},
	},
}

var kindByCode = func() map[string]DataKind {
	m := make(map[string]DataKind, len(kindTable))
	for k, spec := range kindTable {
		if spec.code != "" {
			m[spec.code] = DataKind(k)
		}
	}
	return m
}()

// orderBookFields 10 档卖价/买价/卖量/买量、总量与时间
func orderBookFields() []string {
	out := []string{"21"}
	for _, base := range []int{41, 51, 61, 71} {
		for i := 0; i < 10; i++ {
			out = append(out, strconv.Itoa(base+i))
		}
	}
	return append(out, "121", "122", "125", "126", "128", "129", "138", "139", "200", "201", "238")
}

// ParseDataKind 按上游类型码查找数据类型，未知类型返回 KindUnknown
func ParseDataKind(code string) DataKind {
	if k, ok := kindByCode[code]; ok {
		return k
	}
	return KindUnknown
}

// KnownKinds 返回所有已知数据类型
func KnownKinds() []DataKind {
	out := make([]DataKind, 0, len(kindTable)-1)
	for k := range kindTable {
		if DataKind(k) != KindUnknown {
			out = append(out, DataKind(k))
		}
	}
	return out
}

func (k DataKind) spec() kindSpec {
	if int(k) < len(kindTable) {
		return kindTable[k]
	}
	return kindTable[KindUnknown]
}

// Code 上游类型码，未知类型为空
func (k DataKind) Code() string { return k.spec().code }

func (k DataKind) String() string { return k.spec().name }

// Policy 缓存策略
func (k DataKind) Policy() CachePolicy { return k.spec().policy }

// DefaultFields 默认字段抽取列表（副本）
func (k DataKind) DefaultFields() []string {
	f := k.spec().fields
	out := make([]string, len(f))
	copy(out, f)
	return out
}

// Profiles 每种数据类型的字段抽取配置
type Profiles struct {
	fields map[DataKind][]string
}

// NewProfiles 以默认表为基础，按类型码覆盖字段列表；未知类型码的覆盖被忽略
func NewProfiles(overrides map[string][]string) *Profiles {
	p := &Profiles{fields: make(map[DataKind][]string, len(kindTable))}
	for _, k := range KnownKinds() {
		p.fields[k] = k.DefaultFields()
	}
	for code, fields := range overrides {
		k := ParseDataKind(code)
		if k == KindUnknown || len(fields) == 0 {
			continue
		}
		p.fields[k] = append([]string(nil), fields...)
	}
	return p
}

// Fields 返回某类型的抽取字段
func (p *Profiles) Fields(k DataKind) []string {
	return p.fields[k]
}

// Reduce 按抽取配置构造精简记录。未知类型原样复制全部字段。
func (p *Profiles) Reduce(k DataKind, values map[string]string) map[string]string {
	fields, ok := p.fields[k]
	if k == KindUnknown || !ok {
		out := make(map[string]string, len(values))
		for code, v := range values {
			out[code] = v
		}
		return out
	}
	out := make(map[string]string, len(fields))
	for _, code := range fields {
		if v, ok := values[code]; ok {
			out[code] = v
		}
	}
	return out
}
