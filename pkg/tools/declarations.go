package tools

// Parameter describes one numeric or string argument of a tool.
type Parameter struct {
	Name        string
	Type        string // "number" or "string"
	Description string
	Required    bool
}

// Declaration is a vendor-neutral function signature offered to the model.
type Declaration struct {
	Name        string
	Description string
	Parameters  []Parameter
}

// Declarations lists every tool the dispatcher can execute.
func Declarations() []Declaration {
	return []Declaration{
		{
			Name:        GetCurrentTime,
			Description: "Get the current local time, date, and day of the week.",
		},
		{
			Name:        GetCurrentLocation,
			Description: "Get the user's current geographical location (latitude and longitude).",
		},
		{
			Name:        GetWeather,
			Description: "Get the current weather for a specific location.",
			Parameters: []Parameter{
				{Name: "latitude", Type: "number", Description: "Latitude of the location.", Required: true},
				{Name: "longitude", Type: "number", Description: "Longitude of the location.", Required: true},
			},
		},
	}
}
