package dto

type UpdateProjectRequest struct {
	ExpectedVersion *int64  `json:"expected_version" binding:"required"`
	ProjectName     *string `json:"project_name"`
	CRSOut          *string `json:"crs_out"`
}

type ConflictResponse struct {
	Error           ErrorBody `json:"error"`
	ExpectedVersion int64     `json:"expected_version"`
	CurrentVersion  int64     `json:"current_version"`
}
