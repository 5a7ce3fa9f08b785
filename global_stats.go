package alertd

import (
	"expvar"
	"time"

	kexpvar "github.com/canopyhost/alertd/expvar"
	"github.com/google/uuid"
)

const (
	// List of names for top-level exported vars
	ServerIDVarName = "server_id"
	HostVarName     = "host"
	ProductVarName  = "product"
	VersionVarName  = "version"

	NumHandlersVarName = "num_handlers"

	UptimeVarName = "uptime"

	// The name of the product
	Product = "alertd"
)

var (
	// Global expvars
	NumHandlersVar = &kexpvar.Int{}

	ServerIDVar = &kexpvar.String{}
	HostVar     = &kexpvar.String{}
	ProductVar  = &kexpvar.String{}
	VersionVar  = &kexpvar.String{}

	// All internal stats are added as sub-maps to this top level map.
	stats *kexpvar.Map
)

var (
	startTime time.Time
)

func init() {
	startTime = time.Now().UTC()

	expvar.Publish(NumHandlersVarName, NumHandlersVar)

	expvar.Publish(ServerIDVarName, ServerIDVar)
	expvar.Publish(HostVarName, HostVar)
	expvar.Publish(ProductVarName, ProductVar)
	expvar.Publish(VersionVarName, VersionVar)
	expvar.Publish(UptimeVarName, expvar.Func(func() interface{} {
		return Uptime().Seconds()
	}))

	// Initialize the global stats map
	stats = &kexpvar.Map{}
	stats.Init()
	expvar.Publish(Product, stats)
}

func Uptime() time.Duration {
	return time.Since(startTime)
}

// NewStatistics creates an expvar-based map. Within there "name" is the Measurement name, "tags" are the tags,
// and values are placed at the key "values".
// The "values" map is returned so that statistics can be set.
func NewStatistics(name string, tags map[string]string) (string, *kexpvar.Map) {
	key := uuid.New().String()

	m := &kexpvar.Map{}
	m.Init()

	// Set the name
	nameVar := &kexpvar.String{}
	nameVar.Set(name)
	m.Set("name", nameVar)

	// Set the tags
	tagsVar := &kexpvar.Map{}
	tagsVar.Init()
	for k, v := range tags {
		value := &kexpvar.String{}
		value.Set(v)
		tagsVar.Set(k, value)
	}
	// Always add ID tags
	tagsVar.Set(ServerIDVarName, ServerIDVar)
	tagsVar.Set(HostVarName, HostVar)

	m.Set("tags", tagsVar)

	// Create and set the values entry used for actual stats.
	statMap := &kexpvar.Map{}
	statMap.Init()
	m.Set("values", statMap)

	// Set new statsMap on the top level map.
	stats.Set(key, m)

	return key, statMap
}

// Remove a statistics map.
func DeleteStatistics(key string) {
	stats.Delete(key)
}
