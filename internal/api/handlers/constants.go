package handlers

const (
	// maxChangesPerRequest bounds one transformation request
	maxChangesPerRequest = 16

	// headerLocation is set on newly created scenes
	headerLocation = "Location"
)
