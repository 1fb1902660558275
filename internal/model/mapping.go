package model

// Service is a configured domain API endpoint a handler can call.
type Service struct {
	Reference  string `json:"reference" yaml:"reference"`
	APIType    string `json:"api_type" yaml:"api_type"`
	APIRoot    string `json:"api_root" yaml:"api_root"`
	AuthHeader string `json:"-" yaml:"auth_header"`
}

// ServiceBinding points a handler-facing alias at a configured service.
type ServiceBinding struct {
	Alias            string   `json:"alias" yaml:"alias"`
	ServiceReference string   `json:"service_reference" yaml:"service"`
	Service          *Service `json:"service,omitempty" yaml:"-"`
}

// HandlerMapping routes a topic to a registered handler. Inactive mappings are
// never dispatched.
type HandlerMapping struct {
	TopicName        string           `json:"topic_name" yaml:"topic"`
	HandlerReference string           `json:"handler_reference" yaml:"handler"`
	Active           bool             `json:"active" yaml:"active"`
	DefaultServices  []ServiceBinding `json:"default_services" yaml:"services"`
}
