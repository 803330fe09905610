package ai

import (
	"fmt"
	"strings"
)

// PromptStrategy builds the instruction text for one generation attempt.
type PromptStrategy struct {
	Name  string
	Build func(productName, productDescription string) string
}

// TryOnStrategies is the escalating prompt ladder. Later strategies are
// stricter because the model sometimes answers with text instead of an image.
var TryOnStrategies = []PromptStrategy{
	{Name: "descriptive", Build: descriptivePrompt},
	{Name: "strict", Build: strictPrompt},
	{Name: "minimal", Build: minimalPrompt},
}

func garmentLabel(productName, productDescription string) string {
	if productDescription == "" {
		return productName
	}

	return fmt.Sprintf("%s (%s)", productName, productDescription)
}

func descriptivePrompt(productName, productDescription string) string {
	var b strings.Builder

	b.WriteString("You are a professional fashion photo editor. ")
	b.WriteString("The first image shows a garment: ")
	b.WriteString(garmentLabel(productName, productDescription))
	b.WriteString(". The second image shows a person.\n\n")
	b.WriteString("Create a photorealistic image of the person from the second image wearing the garment from the first image.\n")
	b.WriteString("1. Keep the person's face, hair, body shape, skin tone and pose exactly as they are.\n")
	b.WriteString("2. Fit the garment naturally to the body with realistic folds, drape and shadows.\n")
	b.WriteString("3. Preserve the garment's color, pattern, texture and logos.\n")
	b.WriteString("4. Keep the original background and lighting.\n")
	b.WriteString("Return the edited image.")

	return b.String()
}

func strictPrompt(productName, productDescription string) string {
	return fmt.Sprintf(
		"OUTPUT AN IMAGE, NOT TEXT. Dress the person in the second image in the %s shown in the first image. "+
			"Keep the person's identity, pose and background unchanged. Do not describe the result. Respond only with the image.",
		garmentLabel(productName, productDescription),
	)
}

func minimalPrompt(productName, _ string) string {
	return fmt.Sprintf("Put the %s from image 1 on the person in image 2.", productName)
}

const cropDetectionInstruction = `You review user photos for a virtual fitting room.
You only classify photos and never describe the person's appearance.
Always answer with a single JSON object and no other text.`

const cropDetectionPrompt = `Look at this photo and decide whether it shows only part of a person's body,
for example only the upper body with the legs or feet cut off.

Answer with JSON only:
{
  "isCropped": true or false,
  "confidence": number between 0 and 1,
  "reason": "short explanation",
  "visibleBodyParts": "which parts are visible"
}`

func outpaintPrompt(width, height int) string {
	return fmt.Sprintf(`The input photo is cropped. Extend it downward into a complete full-body photo of the same person.
1. The person must be standing and visible from head to toe.
2. Generate realistic legs, feet or shoes and lower-body clothing that match the visible outfit.
3. Keep the face, upper body, lighting, background and photographic style unchanged.
4. Blend the extension seamlessly with the original image.
The result should be a portrait image of about %dx%d pixels. Respond only with the image.`, width, height)
}

const backgroundPrompt = `Remove the background from this photo of a person.
Keep the person, their clothing and hair exactly as they are and place them on a plain, pure white (#FFFFFF) background
with no shadows, gradients or props. Respond only with the image.`
